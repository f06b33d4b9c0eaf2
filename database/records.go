package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
)

const recordColumns = `
	task_id, device_id, status, target_firmware_id, attempt_count, progress_percent,
	last_error, previous_firmware_version, queue_seq, dispatched_at, completed_at, updated_at`

func scanRecord(s rowScanner) (*fwrollout.DeviceUpgradeRecord, error) {
	var (
		r                     fwrollout.DeviceUpgradeRecord
		dispatched, completed sql.NullInt64
		updatedAt             int64
	)
	err := s.Scan(
		&r.TaskID, &r.DeviceID, &r.Status, &r.TargetFirmwareID, &r.AttemptCount, &r.ProgressPercent,
		&r.LastError, &r.PreviousFirmwareVersion, &r.QueueSeq, &dispatched, &completed, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.DispatchedAt = timePtr(dispatched)
	r.CompletedAt = timePtr(completed)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

func queryRecords(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]*fwrollout.DeviceUpgradeRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*fwrollout.DeviceUpgradeRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// ListRecords returns every record of a task in claim order.
func (d *DB) ListRecords(ctx context.Context, taskID string) ([]*fwrollout.DeviceUpgradeRecord, error) {
	return queryRecords(ctx, d.db,
		`SELECT `+recordColumns+` FROM device_upgrade_records WHERE task_id = ? ORDER BY queue_seq`, taskID)
}

// GetRecord retrieves one record.
func (d *DB) GetRecord(ctx context.Context, taskID, deviceID string) (*fwrollout.DeviceUpgradeRecord, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM device_upgrade_records WHERE task_id = ? AND device_id = ?`,
		taskID, deviceID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", fwrollout.ErrRecordNotFound, taskID, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return r, nil
}

// ClaimRecords atomically moves up to req.Limit PENDING records of a RUNNING
// task to DOWNLOADING. The per-task and global in-flight caps are evaluated
// inside the same write transaction as the claim, and a record is skipped
// while its device is in flight in any other task.
//
// This follows the reserve-then-work pattern: a claimed record belongs to the
// caller until it reports a terminal status, and no other worker sharing the
// database can claim it.
func (d *DB) ClaimRecords(ctx context.Context, req fwrollout.ClaimRequest) ([]*fwrollout.DeviceUpgradeRecord, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	var claimed []*fwrollout.DeviceUpgradeRecord
	err := d.withTx(ctx, "claim-records", func(tx *sql.Tx) error {
		claimed = nil

		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM upgrade_tasks WHERE id = ?`, req.TaskID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", fwrollout.ErrTaskNotFound, req.TaskID)
		}
		if err != nil {
			return fmt.Errorf("failed to read task status: %w", err)
		}
		if fwrollout.TaskStatus(status) != fwrollout.TaskRunning {
			return nil
		}

		limit := req.Limit
		if req.BatchSize > 0 {
			var inflight int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM device_upgrade_records
				WHERE task_id = ? AND status IN ('DOWNLOADING', 'INSTALLING')`, req.TaskID).Scan(&inflight); err != nil {
				return fmt.Errorf("failed to count task in-flight: %w", err)
			}
			limit = min(limit, req.BatchSize-inflight)
		}
		if req.GlobalMax > 0 {
			var inflight int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM device_upgrade_records
				WHERE status IN ('DOWNLOADING', 'INSTALLING')`).Scan(&inflight); err != nil {
				return fmt.Errorf("failed to count global in-flight: %w", err)
			}
			limit = min(limit, req.GlobalMax-inflight)
		}
		if limit <= 0 {
			return nil
		}

		candidates, err := pendingCandidates(ctx, tx, req.TaskID, limit)
		if err != nil {
			return err
		}

		at := toMillis(req.At)
		for _, deviceID := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE device_upgrade_records
				SET status = 'DOWNLOADING', progress_percent = 0, dispatched_at = ?, completed_at = NULL, updated_at = ?
				WHERE task_id = ? AND device_id = ? AND status = 'PENDING'`,
				at, at, req.TaskID, deviceID)
			if err != nil {
				return fmt.Errorf("failed to claim record %s: %w", deviceID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if n != 1 {
				continue
			}

			r, err := scanRecord(tx.QueryRowContext(ctx,
				`SELECT `+recordColumns+` FROM device_upgrade_records WHERE task_id = ? AND device_id = ?`,
				req.TaskID, deviceID))
			if err != nil {
				return fmt.Errorf("failed to reload claimed record: %w", err)
			}
			claimed = append(claimed, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		d.logger.WithFields(logrus.Fields{
			"task_id": req.TaskID,
			"claimed": len(claimed),
		}).Debug("records claimed")
	}
	return claimed, nil
}

func pendingCandidates(ctx context.Context, tx *sql.Tx, taskID string, limit int) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT r.device_id FROM device_upgrade_records r
		WHERE r.task_id = ? AND r.status = 'PENDING'
		  AND NOT EXISTS (
		      SELECT 1 FROM device_upgrade_records o
		      WHERE o.device_id = r.device_id
		        AND o.task_id <> r.task_id
		        AND o.status IN ('DOWNLOADING', 'INSTALLING'))
		ORDER BY r.queue_seq
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending records: %w", err)
	}
	return ids, nil
}

// TransitionRecord applies a status compare-and-swap. Illegal transitions are
// rejected before touching the database; a lost race returns ErrStaleWrite.
func (d *DB) TransitionRecord(ctx context.Context, u fwrollout.RecordUpdate) error {
	if u.From != u.To {
		if err := fwrollout.ValidateDeviceTransition(u.From, u.To); err != nil {
			return err
		}
	}

	at := toMillis(u.At)
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{u.To, at}

	if u.ProgressPercent != nil {
		sets = append(sets, "progress_percent = ?")
		args = append(args, clampPercent(*u.ProgressPercent))
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	if u.IncrementAttempts {
		sets = append(sets, "attempt_count = attempt_count + 1")
	}
	if u.Attempts != nil {
		sets = append(sets, "attempt_count = ?")
		args = append(args, *u.Attempts)
	}
	switch {
	case u.To.IsTerminal():
		sets = append(sets, "completed_at = ?")
		args = append(args, at)
	case u.To == fwrollout.DevicePending:
		sets = append(sets, "completed_at = NULL", "dispatched_at = NULL", "progress_percent = 0")
	}
	if u.Requeue {
		sets = append(sets, "queue_seq = (SELECT COALESCE(MAX(queue_seq), 0) + 1 FROM device_upgrade_records)")
	}
	args = append(args, u.TaskID, u.DeviceID, u.From)

	return d.withTx(ctx, "transition-record", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE device_upgrade_records SET `+strings.Join(sets, ", ")+
				` WHERE task_id = ? AND device_id = ? AND status = ?`, args...)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 1 {
			return nil
		}

		var current string
		err = tx.QueryRowContext(ctx,
			`SELECT status FROM device_upgrade_records WHERE task_id = ? AND device_id = ?`,
			u.TaskID, u.DeviceID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s/%s", fwrollout.ErrRecordNotFound, u.TaskID, u.DeviceID)
		}
		if err != nil {
			return fmt.Errorf("failed to read record status: %w", err)
		}
		return fmt.Errorf("%w: record %s/%s is %s, expected %s",
			fwrollout.ErrStaleWrite, u.TaskID, u.DeviceID, current, u.From)
	})
}

// SetPreviousVersion snapshots the firmware a device ran before its first
// dispatch in this task. Later calls leave the snapshot untouched.
func (d *DB) SetPreviousVersion(ctx context.Context, taskID, deviceID, version string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE device_upgrade_records SET previous_firmware_version = ?
		WHERE task_id = ? AND device_id = ? AND previous_firmware_version = ''`,
		version, taskID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to set previous version: %w", err)
	}
	return nil
}

// ListStaleInFlight returns in-flight records dispatched before the cutoff.
func (d *DB) ListStaleInFlight(ctx context.Context, dispatchedBefore time.Time) ([]*fwrollout.DeviceUpgradeRecord, error) {
	return queryRecords(ctx, d.db, `
		SELECT `+recordColumns+` FROM device_upgrade_records
		WHERE status IN ('DOWNLOADING', 'INSTALLING') AND dispatched_at < ?
		ORDER BY dispatched_at`, toMillis(dispatchedBefore))
}

// CountInFlight counts DOWNLOADING and INSTALLING records across all tasks.
func (d *DB) CountInFlight(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_upgrade_records WHERE status IN ('DOWNLOADING', 'INSTALLING')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight records: %w", err)
	}
	return n, nil
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
