package storage

import (
	"context"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/taskwright/taskwright/pkg/types"
)

// Migration is a forward/backward pair applied on a single connection.
// Each Up runs inside its own transaction; a failure rolls the version
// back and aborts startup.
type Migration struct {
	Version int
	Up      func(ctx context.Context, tx *sqlx.Tx) error
	Down    func(ctx context.Context, tx *sqlx.Tx) error
}

var migrations = []Migration{
	{
		Version: 1,
		Up: func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, schemaV1)
			return err
		},
		Down: func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, dropV1)
			return err
		},
	},
}

// migrate brings the schema from its current version up to target.
// Running at the target version is a no-op.
func (s *Store) migrate(ctx context.Context, target int) error {
	c, err := s.db.Connx(ctx)
	if err != nil {
		return types.WrapError(types.KindMigrationFailed, err, "failed to open migration connection")
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS database_info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return types.WrapError(types.KindMigrationFailed, err, "failed to create database_info")
	}

	current, err := s.currentVersion(ctx, c)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current || m.Version > target {
			continue
		}

		tx, err := c.BeginTxx(ctx, nil)
		if err != nil {
			return types.WrapError(types.KindMigrationFailed, err, "failed to begin migration %d", m.Version)
		}
		if err := m.Up(ctx, tx); err != nil {
			_ = tx.Rollback()
			return types.WrapError(types.KindMigrationFailed, err, "migration %d failed", m.Version)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO database_info (key, value) VALUES ('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			strconv.Itoa(m.Version)); err != nil {
			_ = tx.Rollback()
			return types.WrapError(types.KindMigrationFailed, err, "failed to record version %d", m.Version)
		}
		if err := tx.Commit(); err != nil {
			return types.WrapError(types.KindMigrationFailed, err, "failed to commit migration %d", m.Version)
		}

		s.logger.Info().Int("version", m.Version).Msg("applied migration")
	}
	return nil
}

func (s *Store) currentVersion(ctx context.Context, c *sqlx.Conn) (int, error) {
	var value string
	err := c.GetContext(ctx, &value,
		`SELECT value FROM database_info WHERE key = 'schema_version'`)
	if err != nil {
		// No version row yet means a fresh database
		return 0, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, types.WrapError(types.KindMigrationFailed, err, "corrupt schema_version %q", value)
	}
	return v, nil
}

// SchemaVersion reports the current schema version
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var value string
	if err := s.QueryOne(ctx, &value,
		`SELECT value FROM database_info WHERE key = 'schema_version'`); err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}
