// Package database provides the SQLite-backed store for firmware upgrade tasks.
//
// The database is the authoritative state shared by every scheduler worker,
// including workers in other processes pointed at the same file. Correctness
// of concurrent claims does not rely on any process-local lock: every
// transaction is opened with BEGIN IMMEDIATE, so SQLite serializes writers,
// and each record status change is additionally guarded by its prior status.
//
// # Usage Example
//
//	db, err := database.New(database.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	claimed, err := db.ClaimRecords(ctx, fwrollout.ClaimRequest{
//		TaskID:    taskID,
//		Limit:     10,
//		BatchSize: 10,
//		GlobalMax: 50,
//		At:        time.Now(),
//	})
//
// # Schema
//
// The database maintains three tables:
//   - upgrade_tasks: task configuration and cached status
//   - device_upgrade_records: per-(task, device) progress
//   - devices: the device inventory (type, area, reported firmware version)
//
// See schema.go for complete table definitions and indexes.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the SQL database and implements fwrollout.Store.
type DB struct {
	db     *sql.DB
	path   string
	logger logrus.FieldLogger

	// busyRetry bounds how long a write keeps retrying on SQLITE_BUSY.
	busyRetry time.Duration
}

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// BusyTimeout is SQLite's own lock wait per statement.
	BusyTimeout time.Duration

	// BusyRetry is how long writes are retried with backoff after SQLite
	// gives up waiting for a lock.
	BusyRetry time.Duration

	Logger logrus.FieldLogger
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/fwrollout/rollout.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
		BusyRetry:       10 * time.Second,
	}
}

// New opens the database and applies pending migrations.
//
// Pragmas are passed in the DSN rather than executed once, so that every
// pooled connection gets them:
//   - WAL journal for concurrent readers during writes
//   - foreign keys (records cascade with their task)
//   - busy timeout for lock contention between workers
//   - immediate transactions, so read-then-write claims never deadlock
func New(cfg Config) (*DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	d := &DB{
		db:        db,
		path:      cfg.Path,
		logger:    cfg.Logger.WithField("component", "database"),
		busyRetry: cfg.BusyRetry,
	}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{version: 1, description: "Upgrade tasks and device records", sql: initialSchema},
	{version: 2, description: "Device inventory", sql: devicesSchema},
}

func (d *DB) initSchema() error {
	if _, err := d.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		if err := d.runMigration(m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
	}

	return nil
}

func (d *DB) runMigration(m migration) error {
	var exists bool
	err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if exists {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"version":     m.version,
		"description": m.description,
	}).Debug("applied migration")
	return nil
}

// isBusy reports whether err is SQLite lock contention that outlived the busy timeout.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withTx runs fn in an immediate transaction, retrying the whole transaction
// with exponential backoff while SQLite reports lock contention.
func (d *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = d.busyRetry

	attempt := func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("%s: begin: %w", op, err))
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("%s: commit: %w", op, err))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"wait_ms":   wait.Milliseconds(),
		}).Debug("database busy, retrying")
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
