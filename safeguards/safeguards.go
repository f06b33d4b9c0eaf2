// Package safeguards provides the fleet-wide dispatch budget and panic
// recovery for scheduler operations.
package safeguards

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// DispatchBudget tracks how many upgrade commands may still be in flight
// across all tasks. It is owned by whoever builds the scheduler and passed to
// each tick; nothing about it is global.
//
// The budget is a process-local view. The store re-checks the same cap inside
// the claim transaction, which is what keeps several processes honest; the
// budget saves a write transaction when this process already knows the fleet
// is saturated, and Sync corrects drift caused by other processes.
type DispatchBudget struct {
	mu       sync.Mutex
	max      int
	inflight int
	logger   logrus.FieldLogger
}

// BudgetConfig configures the dispatch budget.
type BudgetConfig struct {
	// MaxConcurrent caps in-flight dispatches fleet-wide. Zero or less means unlimited.
	MaxConcurrent int
	Logger        logrus.FieldLogger
}

// InFlightCounter reports the authoritative in-flight count.
type InFlightCounter interface {
	CountInFlight(ctx context.Context) (int, error)
}

// NewDispatchBudget creates a budget with nothing in flight.
func NewDispatchBudget(cfg BudgetConfig) *DispatchBudget {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &DispatchBudget{
		max:    cfg.MaxConcurrent,
		logger: cfg.Logger.WithField("component", "dispatch-budget"),
	}
}

// Max returns the configured cap, or zero when unlimited.
func (b *DispatchBudget) Max() int {
	if b.max <= 0 {
		return 0
	}
	return b.max
}

// Sync replaces the local in-flight count with the store's.
func (b *DispatchBudget) Sync(ctx context.Context, c InFlightCounter) error {
	n, err := c.CountInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to sync dispatch budget: %w", err)
	}
	b.mu.Lock()
	prev := b.inflight
	b.inflight = n
	b.mu.Unlock()

	if prev != n {
		b.logger.WithFields(logrus.Fields{
			"previous": prev,
			"inflight": n,
		}).Debug("dispatch budget synced")
	}
	return nil
}

// Acquire reserves up to n slots and returns how many were granted.
func (b *DispatchBudget) Acquire(n int) int {
	if n <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	granted := n
	if b.max > 0 {
		granted = min(n, b.max-b.inflight)
	}
	if granted <= 0 {
		return 0
	}
	b.inflight += granted
	return granted
}

// Release returns n slots.
func (b *DispatchBudget) Release(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.inflight = max(b.inflight-n, 0)
	b.mu.Unlock()
}

// InFlight returns the local in-flight count.
func (b *DispatchBudget) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight
}

// Available returns the number of free slots.
func (b *DispatchBudget) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		return math.MaxInt
	}
	return max(b.max-b.inflight, 0)
}

// RecoverableOperation wraps a function with panic recovery.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}
