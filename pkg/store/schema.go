package store

// schema is applied on open. Statements are idempotent so every process can
// run them unconditionally.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    type             TEXT NOT NULL,
    priority         INTEGER NOT NULL DEFAULT 2,
    state            TEXT NOT NULL DEFAULT 'QUEUED',
    phase            TEXT NOT NULL DEFAULT 'BRAINSTORM',
    lane             TEXT NOT NULL DEFAULT '',
    shard            TEXT,
    shard_hash_ver   INTEGER NOT NULL DEFAULT 1,
    assigned_model   TEXT NOT NULL DEFAULT '',
    worker_id        TEXT,
    submitter        TEXT NOT NULL DEFAULT 'unknown',
    retry_count      INTEGER NOT NULL DEFAULT 0,
    expected_timeout INTEGER NOT NULL DEFAULT 0,
    created_at       TIMESTAMP NOT NULL,
    started_at       TIMESTAMP,
    heartbeat_at     TIMESTAMP,
    last_activity_at TIMESTAMP,
    updated_at       TIMESTAMP NOT NULL,
    metadata         TEXT NOT NULL DEFAULT '{}',
    trace_id         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim
    ON tasks(state, shard, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_worker
    ON tasks(worker_id);
CREATE INDEX IF NOT EXISTS idx_tasks_submitter
    ON tasks(submitter, state);

CREATE TABLE IF NOT EXISTS workers (
    id             TEXT PRIMARY KEY,
    pid            INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'starting',
    specialization TEXT NOT NULL,
    shard          TEXT NOT NULL,
    model          TEXT NOT NULL DEFAULT '',
    crash_count    INTEGER NOT NULL DEFAULT 0,
    started_at     TIMESTAMP NOT NULL,
    last_heartbeat TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workers_slot
    ON workers(specialization, shard, status);

CREATE TABLE IF NOT EXISTS heartbeats (
    worker_id        TEXT PRIMARY KEY REFERENCES workers(id) ON DELETE CASCADE,
    timestamp        TIMESTAMP NOT NULL,
    status           TEXT NOT NULL,
    task_id          TEXT NOT NULL DEFAULT '',
    task_type        TEXT NOT NULL DEFAULT '',
    progress_percent INTEGER NOT NULL DEFAULT 0,
    expected_timeout INTEGER NOT NULL DEFAULT 0,
    last_activity_at TIMESTAMP NOT NULL,
    updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    task_id    TEXT,
    event_type TEXT NOT NULL,
    actor      TEXT NOT NULL DEFAULT '',
    payload    TEXT NOT NULL DEFAULT '{}',
    trace_id   TEXT NOT NULL DEFAULT '',
    timestamp  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp);

CREATE TABLE IF NOT EXISTS artifacts (
    task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    phase       TEXT NOT NULL,
    path        TEXT NOT NULL,
    type        TEXT NOT NULL DEFAULT 'other',
    checksum    TEXT NOT NULL,
    size        INTEGER NOT NULL DEFAULT 0,
    verified_at TIMESTAMP,
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL,
    PRIMARY KEY (task_id, phase, path)
);

CREATE TABLE IF NOT EXISTS health_status (
    component  TEXT PRIMARY KEY,
    status     TEXT NOT NULL DEFAULT 'unknown',
    details    TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL
);
`
