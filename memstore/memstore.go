// Package memstore is an in-process fwrollout.Store built on go-memdb.
//
// It backs the simulator and tests. go-memdb serializes write transactions,
// so every read-check-write below runs inside a single write transaction and
// is atomic with respect to other callers in the same process. It does not
// share state across processes; use the database package for that.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"

	fwrollout "github.com/superfly/fwrollout"
)

const (
	tableTasks   = "tasks"
	tableRecords = "records"
	tableDevices = "devices"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableTasks: {
				Name: tableTasks,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			tableRecords: {
				Name: tableRecords,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "TaskID"},
								&memdb.StringFieldIndex{Field: "DeviceID"},
							},
						},
					},
					"task": {
						Name:    "task",
						Indexer: &memdb.StringFieldIndex{Field: "TaskID"},
					},
					"device": {
						Name:    "device",
						Indexer: &memdb.StringFieldIndex{Field: "DeviceID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			tableDevices: {
				Name: tableDevices,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
}

// Store implements fwrollout.Store in memory.
type Store struct {
	db  *memdb.MemDB
	seq atomic.Int64
}

// New creates an empty store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &Store{db: db}, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func copyTask(t *fwrollout.UpgradeTask) *fwrollout.UpgradeTask {
	c := *t
	c.Selector.DeviceIDs = slices.Clone(t.Selector.DeviceIDs)
	return &c
}

func copyRecord(r *fwrollout.DeviceUpgradeRecord) *fwrollout.DeviceUpgradeRecord {
	c := *r
	return &c
}

func ptr(t time.Time) *time.Time { return &t }

func (s *Store) InsertTask(ctx context.Context, task *fwrollout.UpgradeTask, records []*fwrollout.DeviceUpgradeRecord) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	var busy []string
	for _, r := range records {
		isBusy, err := deviceBusy(txn, r.DeviceID)
		if err != nil {
			return err
		}
		if isBusy {
			busy = append(busy, r.DeviceID)
		}
	}
	if len(busy) > 0 {
		slices.Sort(busy)
		return &fwrollout.BusyError{DeviceIDs: busy}
	}

	existing, err := txn.First(tableTasks, "id", task.ID)
	if err != nil {
		return fmt.Errorf("failed to look up task: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	if err := txn.Insert(tableTasks, copyTask(task)); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	for _, r := range records {
		r.QueueSeq = s.seq.Add(1)
		c := copyRecord(r)
		c.TaskID = task.ID
		if err := txn.Insert(tableRecords, c); err != nil {
			return fmt.Errorf("failed to insert record for device %s: %w", r.DeviceID, err)
		}
	}
	txn.Commit()
	return nil
}

// deviceBusy reports whether the device has an active record in a RUNNING or PAUSED task.
func deviceBusy(txn *memdb.Txn, deviceID string) (bool, error) {
	it, err := txn.Get(tableRecords, "device", deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to scan device records: %w", err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := obj.(*fwrollout.DeviceUpgradeRecord)
		if !r.Status.IsActive() {
			continue
		}
		raw, err := txn.First(tableTasks, "id", r.TaskID)
		if err != nil {
			return false, fmt.Errorf("failed to look up task: %w", err)
		}
		if raw == nil {
			continue
		}
		st := raw.(*fwrollout.UpgradeTask).Status
		if st == fwrollout.TaskRunning || st == fwrollout.TaskPaused {
			return true, nil
		}
	}
	return false, nil
}

func getTask(txn *memdb.Txn, id string) (*fwrollout.UpgradeTask, error) {
	raw, err := txn.First(tableTasks, "id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up task: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", fwrollout.ErrTaskNotFound, id)
	}
	return raw.(*fwrollout.UpgradeTask), nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*fwrollout.UpgradeTask, error) {
	txn := s.db.Txn(false)
	t, err := getTask(txn, id)
	if err != nil {
		return nil, err
	}
	return copyTask(t), nil
}

func (s *Store) ListTasks(ctx context.Context, filter fwrollout.TaskFilter) ([]*fwrollout.UpgradeTask, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableTasks, "id")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	var tasks []*fwrollout.UpgradeTask
	for obj := it.Next(); obj != nil; obj = it.Next() {
		t := obj.(*fwrollout.UpgradeTask)
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, t.Status) {
			continue
		}
		tasks = append(tasks, copyTask(t))
	}
	slices.SortFunc(tasks, func(a, b *fwrollout.UpgradeTask) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return tasks, nil
}

func (s *Store) UpdateTask(ctx context.Context, u fwrollout.TaskUpdate) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	cur, err := getTask(txn, u.ID)
	if err != nil {
		return err
	}
	if cur.Status != u.From {
		return fmt.Errorf("%w: task %s is %s, expected %s", fwrollout.ErrStaleWrite, u.ID, cur.Status, u.From)
	}

	t := copyTask(cur)
	t.Status = u.To
	t.UpdatedAt = u.At
	if u.To == fwrollout.TaskRunning && t.StartedAt == nil {
		t.StartedAt = ptr(u.At)
	}
	if u.To.IsTerminal() {
		t.CompletedAt = ptr(u.At)
	}
	if u.Attention != nil {
		t.NeedsAttention = *u.Attention != ""
		t.AttentionReason = *u.Attention
	}
	if err := txn.Insert(tableTasks, t); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) MarkDispatched(ctx context.Context, taskID string, at time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	cur, err := getTask(txn, taskID)
	if err != nil {
		return err
	}
	t := copyTask(cur)
	t.LastDispatchAt = ptr(at)
	t.UpdatedAt = at
	if err := txn.Insert(tableTasks, t); err != nil {
		return fmt.Errorf("failed to mark dispatch: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	t, err := getTask(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(tableTasks, t); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if _, err := txn.DeleteAll(tableRecords, "task", id); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	txn.Commit()
	return nil
}
