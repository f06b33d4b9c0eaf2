package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-memdb"

	fwrollout "github.com/superfly/fwrollout"
)

func taskRecords(txn *memdb.Txn, taskID string) ([]*fwrollout.DeviceUpgradeRecord, error) {
	it, err := txn.Get(tableRecords, "task", taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	var records []*fwrollout.DeviceUpgradeRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*fwrollout.DeviceUpgradeRecord))
	}
	slices.SortFunc(records, func(a, b *fwrollout.DeviceUpgradeRecord) int {
		return cmp.Compare(a.QueueSeq, b.QueueSeq)
	})
	return records, nil
}

func inFlight(txn *memdb.Txn) ([]*fwrollout.DeviceUpgradeRecord, error) {
	var out []*fwrollout.DeviceUpgradeRecord
	for _, st := range []fwrollout.DeviceStatus{fwrollout.DeviceDownloading, fwrollout.DeviceInstalling} {
		it, err := txn.Get(tableRecords, "status", string(st))
		if err != nil {
			return nil, fmt.Errorf("failed to scan in-flight records: %w", err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			out = append(out, obj.(*fwrollout.DeviceUpgradeRecord))
		}
	}
	return out, nil
}

func (s *Store) ListRecords(ctx context.Context, taskID string) ([]*fwrollout.DeviceUpgradeRecord, error) {
	txn := s.db.Txn(false)
	records, err := taskRecords(txn, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*fwrollout.DeviceUpgradeRecord, len(records))
	for i, r := range records {
		out[i] = copyRecord(r)
	}
	return out, nil
}

func getRecord(txn *memdb.Txn, taskID, deviceID string) (*fwrollout.DeviceUpgradeRecord, error) {
	raw, err := txn.First(tableRecords, "id", taskID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up record: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s/%s", fwrollout.ErrRecordNotFound, taskID, deviceID)
	}
	return raw.(*fwrollout.DeviceUpgradeRecord), nil
}

func (s *Store) GetRecord(ctx context.Context, taskID, deviceID string) (*fwrollout.DeviceUpgradeRecord, error) {
	r, err := getRecord(s.db.Txn(false), taskID, deviceID)
	if err != nil {
		return nil, err
	}
	return copyRecord(r), nil
}

// ClaimRecords mirrors the SQLite claim: caps and device exclusivity are
// evaluated in the same write transaction that flips PENDING to DOWNLOADING.
func (s *Store) ClaimRecords(ctx context.Context, req fwrollout.ClaimRequest) ([]*fwrollout.DeviceUpgradeRecord, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	task, err := getTask(txn, req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != fwrollout.TaskRunning {
		return nil, nil
	}

	flying, err := inFlight(txn)
	if err != nil {
		return nil, err
	}
	busyDevices := make(map[string]bool, len(flying))
	taskInflight := 0
	for _, r := range flying {
		busyDevices[r.DeviceID] = true
		if r.TaskID == req.TaskID {
			taskInflight++
		}
	}

	limit := req.Limit
	if req.BatchSize > 0 {
		limit = min(limit, req.BatchSize-taskInflight)
	}
	if req.GlobalMax > 0 {
		limit = min(limit, req.GlobalMax-len(flying))
	}
	if limit <= 0 {
		return nil, nil
	}

	records, err := taskRecords(txn, req.TaskID)
	if err != nil {
		return nil, err
	}

	var claimed []*fwrollout.DeviceUpgradeRecord
	for _, r := range records {
		if len(claimed) == limit {
			break
		}
		if r.Status != fwrollout.DevicePending || busyDevices[r.DeviceID] {
			continue
		}
		c := copyRecord(r)
		c.Status = fwrollout.DeviceDownloading
		c.ProgressPercent = 0
		c.DispatchedAt = ptr(req.At)
		c.CompletedAt = nil
		c.UpdatedAt = req.At
		if err := txn.Insert(tableRecords, c); err != nil {
			return nil, fmt.Errorf("failed to claim record %s: %w", r.DeviceID, err)
		}
		busyDevices[r.DeviceID] = true
		claimed = append(claimed, copyRecord(c))
	}
	txn.Commit()
	return claimed, nil
}

func (s *Store) TransitionRecord(ctx context.Context, u fwrollout.RecordUpdate) error {
	if u.From != u.To {
		if err := fwrollout.ValidateDeviceTransition(u.From, u.To); err != nil {
			return err
		}
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	cur, err := getRecord(txn, u.TaskID, u.DeviceID)
	if err != nil {
		return err
	}
	if cur.Status != u.From {
		return fmt.Errorf("%w: record %s/%s is %s, expected %s",
			fwrollout.ErrStaleWrite, u.TaskID, u.DeviceID, cur.Status, u.From)
	}

	r := copyRecord(cur)
	r.Status = u.To
	r.UpdatedAt = u.At
	if u.ProgressPercent != nil {
		r.ProgressPercent = min(max(*u.ProgressPercent, 0), 100)
	}
	if u.LastError != nil {
		r.LastError = *u.LastError
	}
	if u.IncrementAttempts {
		r.AttemptCount++
	}
	if u.Attempts != nil {
		r.AttemptCount = *u.Attempts
	}
	switch {
	case u.To.IsTerminal():
		r.CompletedAt = ptr(u.At)
	case u.To == fwrollout.DevicePending:
		r.CompletedAt = nil
		r.DispatchedAt = nil
		r.ProgressPercent = 0
	}
	if u.Requeue {
		r.QueueSeq = s.seq.Add(1)
	}
	if err := txn.Insert(tableRecords, r); err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) SetPreviousVersion(ctx context.Context, taskID, deviceID, version string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	cur, err := getRecord(txn, taskID, deviceID)
	if err != nil {
		return err
	}
	if cur.PreviousFirmwareVersion != "" {
		return nil
	}
	r := copyRecord(cur)
	r.PreviousFirmwareVersion = version
	if err := txn.Insert(tableRecords, r); err != nil {
		return fmt.Errorf("failed to set previous version: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) ListStaleInFlight(ctx context.Context, dispatchedBefore time.Time) ([]*fwrollout.DeviceUpgradeRecord, error) {
	flying, err := inFlight(s.db.Txn(false))
	if err != nil {
		return nil, err
	}
	var stale []*fwrollout.DeviceUpgradeRecord
	for _, r := range flying {
		if r.DispatchedAt != nil && r.DispatchedAt.Before(dispatchedBefore) {
			stale = append(stale, copyRecord(r))
		}
	}
	slices.SortFunc(stale, func(a, b *fwrollout.DeviceUpgradeRecord) int {
		if c := a.DispatchedAt.Compare(*b.DispatchedAt); c != 0 {
			return c
		}
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return stale, nil
}

func (s *Store) CountInFlight(ctx context.Context) (int, error) {
	flying, err := inFlight(s.db.Txn(false))
	if err != nil {
		return 0, err
	}
	return len(flying), nil
}
