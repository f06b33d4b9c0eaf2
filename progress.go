package fwrollout

// Progress is the per-task tally returned by GetProgress.
type Progress struct {
	Total      int `json:"total"`
	Success    int `json:"success"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	RolledBack int `json:"rolled_back"`

	// Exhausted counts FAILED records with no retries left.
	Exhausted int `json:"exhausted"`

	// PercentComplete is the share of devices that need no further work.
	PercentComplete float64 `json:"percent_complete"`
}

// Retryable is the number of FAILED records that may still be retried.
func (p Progress) Retryable() int {
	return p.Failed - p.Exhausted
}

// Remaining is the number of records that still need dispatcher attention.
func (p Progress) Remaining() int {
	return p.Pending + p.InProgress + p.Retryable()
}

// Summarize tallies records against the task's retry policy.
func Summarize(task *UpgradeTask, records []*DeviceUpgradeRecord) Progress {
	p := Progress{Total: len(records)}
	for _, r := range records {
		switch r.Status {
		case DeviceSuccess:
			p.Success++
		case DeviceRolledBack:
			p.RolledBack++
		case DeviceFailed:
			p.Failed++
			if task.Exhausted(r.AttemptCount) {
				p.Exhausted++
			}
		case DevicePending:
			p.Pending++
		case DeviceDownloading, DeviceInstalling:
			p.InProgress++
		}
	}
	if p.Total > 0 {
		done := p.Success + p.RolledBack + p.Exhausted
		p.PercentComplete = float64(done) * 100 / float64(p.Total)
	}
	return p
}

// FailureThresholdExceeded reports whether exhausted failures exceed the
// task's threshold. The ratio is taken over the full device set.
func FailureThresholdExceeded(task *UpgradeTask, p Progress) bool {
	if p.Total == 0 || p.Exhausted == 0 {
		return false
	}
	return p.Exhausted*100 > task.FailureThresholdPercent*p.Total
}

// DeriveStatus projects a task status from its records. PAUSED, STOPPED and
// terminal statuses are operator-owned or final and are returned unchanged.
func DeriveStatus(task *UpgradeTask, records []*DeviceUpgradeRecord) TaskStatus {
	if task.Status != TaskRunning {
		return task.Status
	}
	p := Summarize(task, records)
	switch {
	case p.Remaining() > 0:
		return TaskRunning
	case p.Success+p.RolledBack == p.Total:
		return TaskCompleted
	case FailureThresholdExceeded(task, p):
		return TaskFailed
	default:
		// Exhausted failures within tolerance: the rollout is done.
		return TaskCompleted
	}
}
