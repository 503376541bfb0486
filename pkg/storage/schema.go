package storage

// schemaV1 is the initial schema. Entity attributes mirror pkg/types;
// JSON columns (metadata, metrics, config) hold the free-form blobs.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    parent_id TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    progress INTEGER NOT NULL DEFAULT 0 CHECK(progress >= 0 AND progress <= 100),
    priority TEXT NOT NULL DEFAULT 'medium',
    execution_mode TEXT NOT NULL DEFAULT 'sequential',
    name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL DEFAULT '',
    work_dir TEXT NOT NULL DEFAULT '',
    return_mode TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    instance_id TEXT,
    timeout_ms INTEGER NOT NULL DEFAULT 0,
    deadline DATETIME,
    timeout_handled INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    completed_at DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (parent_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_instance ON tasks(instance_id);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);

CREATE TABLE IF NOT EXISTS subtasks (
    id TEXT NOT NULL,
    parent_id TEXT NOT NULL,
    ordinal INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    progress INTEGER NOT NULL DEFAULT 0 CHECK(progress >= 0 AND progress <= 100),
    name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    dependencies TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id, parent_id),
    FOREIGN KEY (parent_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_subtasks_parent ON subtasks(parent_id);

CREATE TABLE IF NOT EXISTS instances (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'idle',
    current_task_id TEXT,
    metrics TEXT NOT NULL DEFAULT '{}',
    config TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_used_at DATETIME,
    last_heartbeat DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);

CREATE TABLE IF NOT EXISTS task_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    instance_id TEXT,
    kind TEXT NOT NULL DEFAULT 'message',
    level TEXT NOT NULL DEFAULT 'info',
    message TEXT NOT NULL DEFAULT '',
    progress INTEGER,
    status TEXT,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    metadata TEXT NOT NULL DEFAULT '{}',
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
    FOREIGN KEY (instance_id) REFERENCES instances(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task_ts ON task_logs(task_id, timestamp);

CREATE TABLE IF NOT EXISTS task_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    output TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    execution_time_ms INTEGER NOT NULL DEFAULT 0,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    metadata TEXT NOT NULL DEFAULT '{}',
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS instance_telemetry (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT NOT NULL,
    type TEXT NOT NULL,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    value REAL NOT NULL DEFAULT 0,
    metadata TEXT NOT NULL DEFAULT '{}',
    FOREIGN KEY (instance_id) REFERENCES instances(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_telemetry_instance_type ON instance_telemetry(instance_id, type);
CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON instance_telemetry(timestamp);

CREATE TABLE IF NOT EXISTS time_series_metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    resolution TEXT NOT NULL,
    value REAL NOT NULL DEFAULT 0,
    count INTEGER NOT NULL DEFAULT 0,
    min REAL NOT NULL DEFAULT 0,
    max REAL NOT NULL DEFAULT 0,
    avg REAL NOT NULL DEFAULT 0,
    sum REAL NOT NULL DEFAULT 0,
    metadata TEXT NOT NULL DEFAULT '{}',
    UNIQUE (type, resolution, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_metrics_type_ts_res ON time_series_metrics(type, timestamp, resolution);

CREATE VIRTUAL TABLE IF NOT EXISTS tasks_fts USING fts4(
    content="tasks", name, description, prompt,
    tokenize=porter
);

CREATE TRIGGER IF NOT EXISTS tasks_fts_insert AFTER INSERT ON tasks BEGIN
    INSERT INTO tasks_fts(docid, name, description, prompt)
    VALUES (new.rowid, new.name, new.description, new.prompt);
END;

CREATE TRIGGER IF NOT EXISTS tasks_fts_delete BEFORE DELETE ON tasks BEGIN
    DELETE FROM tasks_fts WHERE docid = old.rowid;
END;

CREATE TRIGGER IF NOT EXISTS tasks_fts_update_before BEFORE UPDATE ON tasks BEGIN
    DELETE FROM tasks_fts WHERE docid = old.rowid;
END;

CREATE TRIGGER IF NOT EXISTS tasks_fts_update_after AFTER UPDATE ON tasks BEGIN
    INSERT INTO tasks_fts(docid, name, description, prompt)
    VALUES (new.rowid, new.name, new.description, new.prompt);
END;
`

const dropV1 = `
DROP TRIGGER IF EXISTS tasks_fts_update_after;
DROP TRIGGER IF EXISTS tasks_fts_update_before;
DROP TRIGGER IF EXISTS tasks_fts_delete;
DROP TRIGGER IF EXISTS tasks_fts_insert;
DROP TABLE IF EXISTS tasks_fts;
DROP TABLE IF EXISTS time_series_metrics;
DROP TABLE IF EXISTS instance_telemetry;
DROP TABLE IF EXISTS task_results;
DROP TABLE IF EXISTS task_logs;
DROP TABLE IF EXISTS instances;
DROP TABLE IF EXISTS subtasks;
DROP TABLE IF EXISTS tasks;
`
