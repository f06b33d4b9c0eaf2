package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
)

const taskColumns = `
	id, firmware_id, selector, strategy, batch_size, canary_size,
	batch_interval_seconds, max_retries, failure_threshold_percent,
	status, needs_attention, attention_reason, rollback_of_task_id,
	created_at, started_at, completed_at, last_dispatch_at, updated_at`

// busyCheckChunk keeps IN (...) lists well under SQLite's variable limit.
const busyCheckChunk = 500

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (*fwrollout.UpgradeTask, error) {
	var (
		t                                    fwrollout.UpgradeTask
		selector                             string
		attention                            int
		createdAt, updatedAt                 int64
		startedAt, completedAt, dispatchedAt sql.NullInt64
	)
	err := s.Scan(
		&t.ID, &t.FirmwareID, &selector, &t.Strategy, &t.BatchSize, &t.CanarySize,
		&t.BatchIntervalSeconds, &t.MaxRetries, &t.FailureThresholdPercent,
		&t.Status, &attention, &t.AttentionReason, &t.RollbackOfTaskID,
		&createdAt, &startedAt, &completedAt, &dispatchedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(selector), &t.Selector); err != nil {
		return nil, fmt.Errorf("failed to decode selector for task %s: %w", t.ID, err)
	}
	t.NeedsAttention = attention == 1
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.LastDispatchAt = timePtr(dispatchedAt)
	return &t, nil
}

// InsertTask stores the task and its records in one transaction, after
// checking that none of the devices has outstanding work in an active task.
func (d *DB) InsertTask(ctx context.Context, task *fwrollout.UpgradeTask, records []*fwrollout.DeviceUpgradeRecord) error {
	selector, err := json.Marshal(task.Selector)
	if err != nil {
		return fmt.Errorf("failed to encode selector: %w", err)
	}

	deviceIDs := make([]string, len(records))
	for i, r := range records {
		deviceIDs[i] = r.DeviceID
	}

	err = d.withTx(ctx, "insert-task", func(tx *sql.Tx) error {
		busy, err := busyDevices(ctx, tx, deviceIDs)
		if err != nil {
			return err
		}
		if len(busy) > 0 {
			return &fwrollout.BusyError{DeviceIDs: busy}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO upgrade_tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.FirmwareID, string(selector), task.Strategy, task.BatchSize, task.CanarySize,
			task.BatchIntervalSeconds, task.MaxRetries, task.FailureThresholdPercent,
			task.Status, boolInt(task.NeedsAttention), task.AttentionReason, task.RollbackOfTaskID,
			toMillis(task.CreatedAt), nullMillis(task.StartedAt), nullMillis(task.CompletedAt),
			nullMillis(task.LastDispatchAt), toMillis(task.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(queue_seq), 0) FROM device_upgrade_records`).Scan(&seq); err != nil {
			return fmt.Errorf("failed to read queue sequence: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO device_upgrade_records
				(task_id, device_id, status, target_firmware_id, attempt_count, progress_percent,
				 last_error, previous_firmware_version, queue_seq, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare record insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range records {
			seq++
			r.QueueSeq = seq
			if _, err := stmt.ExecContext(ctx,
				task.ID, r.DeviceID, r.Status, r.TargetFirmwareID, r.AttemptCount, r.ProgressPercent,
				r.LastError, r.PreviousFirmwareVersion, r.QueueSeq, toMillis(r.UpdatedAt),
			); err != nil {
				return fmt.Errorf("failed to insert record for device %s: %w", r.DeviceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"devices": len(records),
	}).Debug("task inserted")
	return nil
}

// busyDevices returns the subset of deviceIDs with an active record in a RUNNING or PAUSED task.
func busyDevices(ctx context.Context, tx *sql.Tx, deviceIDs []string) ([]string, error) {
	var busy []string
	for start := 0; start < len(deviceIDs); start += busyCheckChunk {
		end := start + busyCheckChunk
		if end > len(deviceIDs) {
			end = len(deviceIDs)
		}
		chunk := deviceIDs[start:end]

		args := make([]any, 0, len(chunk))
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT DISTINCT r.device_id
			FROM device_upgrade_records r
			JOIN upgrade_tasks t ON t.id = r.task_id
			WHERE t.status IN ('RUNNING', 'PAUSED')
			  AND r.status IN ('PENDING', 'DOWNLOADING', 'INSTALLING')
			  AND r.device_id IN (`+placeholders(len(chunk))+`)
			ORDER BY r.device_id`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to check busy devices: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan busy device: %w", err)
			}
			busy = append(busy, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating busy devices: %w", err)
		}
		rows.Close()
	}
	return busy, nil
}

// GetTask retrieves a task by id.
func (d *DB) GetTask(ctx context.Context, id string) (*fwrollout.UpgradeTask, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM upgrade_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", fwrollout.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// ListTasks lists tasks in creation order, optionally filtered by status.
func (d *DB) ListTasks(ctx context.Context, filter fwrollout.TaskFilter) ([]*fwrollout.UpgradeTask, error) {
	query := `SELECT ` + taskColumns + ` FROM upgrade_tasks`
	args := []any{}
	if len(filter.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*fwrollout.UpgradeTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask moves a task from u.From to u.To. The write is conditioned on
// the stored status still being u.From; otherwise ErrStaleWrite is returned.
func (d *DB) UpdateTask(ctx context.Context, u fwrollout.TaskUpdate) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{u.To, toMillis(u.At)}

	if u.To == fwrollout.TaskRunning {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, toMillis(u.At))
	}
	if u.To.IsTerminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, toMillis(u.At))
	}
	if u.Attention != nil {
		sets = append(sets, "needs_attention = ?", "attention_reason = ?")
		args = append(args, boolInt(*u.Attention != ""), *u.Attention)
	}
	args = append(args, u.ID, u.From)

	return d.withTx(ctx, "update-task", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE upgrade_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 1 {
			return nil
		}
		return taskMissingOrStale(ctx, tx, u.ID, u.From)
	})
}

func taskMissingOrStale(ctx context.Context, tx *sql.Tx, id string, expected fwrollout.TaskStatus) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT status FROM upgrade_tasks WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", fwrollout.ErrTaskNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s, expected %s", fwrollout.ErrStaleWrite, id, current, expected)
}

// MarkDispatched records when the task last had records claimed.
func (d *DB) MarkDispatched(ctx context.Context, taskID string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE upgrade_tasks SET last_dispatch_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(at), toMillis(at), taskID)
	if err != nil {
		return fmt.Errorf("failed to mark dispatch: %w", err)
	}
	return nil
}

// DeleteTask removes a task; its records cascade.
func (d *DB) DeleteTask(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM upgrade_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", fwrollout.ErrTaskNotFound, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
