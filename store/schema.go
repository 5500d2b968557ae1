package store

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- commits table: one row per commit run
CREATE TABLE IF NOT EXISTS commits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    ok BOOLEAN NOT NULL DEFAULT 0,
    error TEXT,
    retries INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (ok IN (0, 1)),
    CHECK (retries >= 0)
);

CREATE INDEX IF NOT EXISTS idx_commits_run_id ON commits(run_id);
CREATE INDEX IF NOT EXISTS idx_commits_started_at ON commits(started_at);

-- commit_actions table: per-action outcomes within a commit run
CREATE TABLE IF NOT EXISTS commit_actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    action_index INTEGER NOT NULL,
    summary TEXT NOT NULL,
    device_name TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    started_at DATETIME,
    finished_at DATETIME,

    FOREIGN KEY (run_id) REFERENCES commits(run_id) ON DELETE CASCADE,
    CHECK (status IN ('pending', 'executed', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_commit_actions_run_id ON commit_actions(run_id);
CREATE INDEX IF NOT EXISTS idx_commit_actions_device_name ON commit_actions(device_name);
CREATE INDEX IF NOT EXISTS idx_commit_actions_status ON commit_actions(status);
`
