package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/rs/zerolog"

	"github.com/taskwright/taskwright/pkg/log"
	"github.com/taskwright/taskwright/pkg/metrics"
	"github.com/taskwright/taskwright/pkg/types"
)

// ErrNotFound is returned by QueryOne when no row matches
var ErrNotFound = errors.New("not found")

const (
	// idleWindow is how long a connection may sit idle before the
	// sweep closes it (never below MinConnections)
	idleWindow = 5 * time.Minute

	// sweepInterval is the cadence of the idle connection sweep
	sweepInterval = time.Minute
)

// Config holds store configuration
type Config struct {
	Path                string
	MinConnections      int
	MaxConnections      int
	ConnectionTimeoutMs int64
	BusyTimeoutMs       int64
	SchemaVersion       int
}

// ExecResult reports the outcome of a write statement
type ExecResult struct {
	Changes      int64
	LastInsertID int64
}

// Statement is one entry of a Batch
type Statement struct {
	SQL  string
	Args []any
}

// PoolStats is a snapshot of the connection pool
type PoolStats struct {
	Size int
	Idle int
	Busy int
}

// conn is a pooled connection with its last-release timestamp
type conn struct {
	c        *sqlx.Conn
	lastUsed time.Time
}

// Store is the embedded relational store. A single Store is created at
// startup and shared by all repositories; it owns a pool of between
// MinConnections and MaxConnections live sqlite connections.
type Store struct {
	db     *sqlx.DB
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	total int // connections in existence (idle + busy)

	// idle connections wait here; release pushes, acquire pops.
	// Capacity MaxConnections so release never blocks.
	idle chan *conn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens (creating if needed) the database at cfg.Path, enables
// foreign keys, WAL journaling and normal synchronous mode, runs
// migrations up to cfg.SchemaVersion, and warms MinConnections.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeoutMs)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxIdleTime(0) // lifecycle handled by our own sweep

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: log.WithComponent("storage"),
		idle:   make(chan *conn, cfg.MaxConnections),
		stopCh: make(chan struct{}),
	}

	if err := s.migrate(context.Background(), cfg.SchemaVersion); err != nil {
		db.Close()
		return nil, err
	}

	// Warm the minimum pool
	for i := 0; i < cfg.MinConnections; i++ {
		c, err := s.newConn(context.Background())
		if err != nil {
			s.closeAll()
			db.Close()
			return nil, fmt.Errorf("failed to warm connection pool: %w", err)
		}
		s.idle <- c
	}

	s.updateGauges()
	s.wg.Add(1)
	go s.sweepLoop()

	s.logger.Info().
		Str("path", cfg.Path).
		Int("min_connections", cfg.MinConnections).
		Int("max_connections", cfg.MaxConnections).
		Msg("store opened")

	return s, nil
}

// Close stops the sweep and closes every connection
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	s.closeAll()
	return s.db.Close()
}

func (s *Store) closeAll() {
	for {
		select {
		case c := <-s.idle:
			_ = c.c.Close()
			s.mu.Lock()
			s.total--
			s.mu.Unlock()
		default:
			return
		}
	}
}

func (s *Store) newConn(ctx context.Context) (*conn, error) {
	c, err := s.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.total++
	s.mu.Unlock()
	return &conn{c: c, lastUsed: time.Now()}, nil
}

// acquire obtains a connection, preferring an idle one, growing the
// pool up to MaxConnections, and otherwise waiting FIFO on the idle
// channel. Waiters fail with acquire-timeout after ConnectionTimeoutMs.
func (s *Store) acquire(ctx context.Context) (*conn, error) {
	select {
	case c := <-s.idle:
		return c, nil
	default:
	}

	s.mu.Lock()
	canGrow := s.total < s.cfg.MaxConnections
	s.mu.Unlock()
	if canGrow {
		c, err := s.newConn(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open connection: %w", err)
		}
		return c, nil
	}

	timer := time.NewTimer(time.Duration(s.cfg.ConnectionTimeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case c := <-s.idle:
		return c, nil
	case <-timer.C:
		metrics.AcquireTimeouts.Inc()
		return nil, types.NewError(types.KindAcquireTimeout,
			"no connection available after %dms", s.cfg.ConnectionTimeoutMs)
	case <-ctx.Done():
		return nil, types.WrapError(types.KindAcquireTimeout, ctx.Err(), "context cancelled while waiting for connection")
	}
}

// release returns a connection to the pool and wakes one waiter
func (s *Store) release(c *conn) {
	c.lastUsed = time.Now()
	s.idle <- c
	s.updateGauges()
}

// discard closes a connection instead of returning it to the pool
func (s *Store) discard(c *conn) {
	_ = c.c.Close()
	s.mu.Lock()
	s.total--
	s.mu.Unlock()
	s.updateGauges()
}

// updateGauges mirrors the pool snapshot into prometheus
func (s *Store) updateGauges() {
	st := s.Stats()
	metrics.PoolConnections.WithLabelValues("idle").Set(float64(st.Idle))
	metrics.PoolConnections.WithLabelValues("busy").Set(float64(st.Busy))
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep closes idle connections older than idleWindow, never shrinking
// below MinConnections
func (s *Store) sweep() {
	now := time.Now()
	var keep []*conn
	for {
		select {
		case c := <-s.idle:
			s.mu.Lock()
			aboveMin := s.total > s.cfg.MinConnections
			s.mu.Unlock()
			if aboveMin && now.Sub(c.lastUsed) > idleWindow {
				s.discard(c)
				s.logger.Debug().Msg("closed idle connection")
			} else {
				keep = append(keep, c)
			}
		default:
			for _, c := range keep {
				s.idle <- c
			}
			return
		}
	}
}

// Stats returns a pool snapshot for the health tool
func (s *Store) Stats() PoolStats {
	s.mu.Lock()
	total := s.total
	s.mu.Unlock()
	idle := len(s.idle)
	return PoolStats{Size: total, Idle: idle, Busy: total - idle}
}

// Transaction acquires a connection, begins a transaction, runs fn,
// commits on success and rolls back on failure. The connection is
// always released.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	c, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(c)

	tx, err := c.c.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		// Commit failure leaves the tx unusable; attempt rollback and
		// surface the original error
		_ = tx.Rollback()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Query runs a SELECT and scans all rows into dest (a pointer to slice)
func (s *Store) Query(ctx context.Context, dest any, query string, args ...any) error {
	c, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(c)
	return c.c.SelectContext(ctx, dest, query, args...)
}

// QueryOne runs a SELECT expected to return at most one row. A missing
// row yields ErrNotFound.
func (s *Store) QueryOne(ctx context.Context, dest any, query string, args ...any) error {
	c, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(c)
	if err := c.c.GetContext(ctx, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Execute runs a write statement and reports affected rows and the
// last insert id
func (s *Store) Execute(ctx context.Context, query string, args ...any) (ExecResult, error) {
	c, err := s.acquire(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	defer s.release(c)

	res, err := c.c.ExecContext(ctx, query, args...)
	if err != nil {
		return ExecResult{}, err
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return ExecResult{Changes: changes, LastInsertID: lastID}, nil
}

// Batch runs all statements inside a single transaction
func (s *Store) Batch(ctx context.Context, stmts []Statement) error {
	return s.Transaction(ctx, func(tx *sqlx.Tx) error {
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.SQL, st.Args...); err != nil {
				return fmt.Errorf("batch statement failed: %w", err)
			}
		}
		return nil
	})
}
