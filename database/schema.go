package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the task and record tables (version 1).
// Timestamps are unix milliseconds.
const initialSchema = `
-- upgrade_tasks: one row per rollout
CREATE TABLE IF NOT EXISTS upgrade_tasks (
    id TEXT PRIMARY KEY,
    firmware_id TEXT NOT NULL DEFAULT '',
    selector TEXT NOT NULL DEFAULT '{}',
    strategy TEXT NOT NULL,
    batch_size INTEGER NOT NULL,
    canary_size INTEGER NOT NULL DEFAULT 0,
    batch_interval_seconds INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 0,
    failure_threshold_percent INTEGER NOT NULL DEFAULT 100,
    status TEXT NOT NULL,
    needs_attention INTEGER NOT NULL DEFAULT 0,
    attention_reason TEXT NOT NULL DEFAULT '',
    rollback_of_task_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    completed_at INTEGER,
    last_dispatch_at INTEGER,
    updated_at INTEGER NOT NULL,

    CHECK (status IN ('CREATED', 'RUNNING', 'PAUSED', 'STOPPED', 'COMPLETED', 'FAILED')),
    CHECK (strategy IN ('ALL_AT_ONCE', 'BATCH', 'CANARY')),
    CHECK (batch_size > 0),
    CHECK (max_retries >= 0),
    CHECK (failure_threshold_percent BETWEEN 0 AND 100),
    CHECK (needs_attention IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_upgrade_tasks_status ON upgrade_tasks(status);
CREATE INDEX IF NOT EXISTS idx_upgrade_tasks_rollback_of ON upgrade_tasks(rollback_of_task_id);

-- device_upgrade_records: per-(task, device) progress, frozen at task creation
CREATE TABLE IF NOT EXISTS device_upgrade_records (
    task_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    target_firmware_id TEXT NOT NULL DEFAULT '',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    progress_percent INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    previous_firmware_version TEXT NOT NULL DEFAULT '',
    queue_seq INTEGER NOT NULL,
    dispatched_at INTEGER,
    completed_at INTEGER,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (task_id, device_id),
    FOREIGN KEY (task_id) REFERENCES upgrade_tasks(id) ON DELETE CASCADE,
    CHECK (status IN ('PENDING', 'DOWNLOADING', 'INSTALLING', 'SUCCESS', 'FAILED', 'ROLLED_BACK')),
    CHECK (attempt_count >= 0),
    CHECK (progress_percent BETWEEN 0 AND 100)
);

CREATE INDEX IF NOT EXISTS idx_records_task_status ON device_upgrade_records(task_id, status, queue_seq);
CREATE INDEX IF NOT EXISTS idx_records_device_status ON device_upgrade_records(device_id, status);
CREATE INDEX IF NOT EXISTS idx_records_status_dispatched ON device_upgrade_records(status, dispatched_at);
`

// devicesSchema adds the device inventory (version 2).
const devicesSchema = `
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    area TEXT NOT NULL DEFAULT '',
    firmware_version TEXT NOT NULL DEFAULT '',
    last_seen_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_devices_type_area ON devices(type, area);
`
