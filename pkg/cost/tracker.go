// Package cost tracks per-user rolling spend and enforces budgets.
// The in-memory view is authoritative during a run; an external store is
// flushed asynchronously and reconciled from on restart. Budget checks
// fail closed.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helixos/helix/pkg/contracts"
	"github.com/helixos/helix/pkg/registry"
)

// Window selects a budget horizon.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// Limits are a user's budget ceilings.
type Limits struct {
	Daily   registry.MicroUSD
	Monthly registry.MicroUSD
}

// DefaultLimits apply to users with no explicit limits.
var DefaultLimits = Limits{
	Daily:   registry.FromUSD(1.00),
	Monthly: registry.FromUSD(5.00),
}

// ExternalStore is the tabular datastore behind the tracker. The tracker
// works without one; persistence is then scoped to the process lifetime.
type ExternalStore interface {
	UpsertMonthlySpend(ctx context.Context, userID, month string, total registry.MicroUSD, byKind map[string]registry.MicroUSD) error
	InsertOperation(ctx context.Context, rec contracts.OperationRecord) error
	LoadMonthlySpend(ctx context.Context, userID, month string) (registry.MicroUSD, map[string]registry.MicroUSD, error)
}

const flushInterval = 5 * time.Second

// Tracker maintains rolling daily and monthly spend per user.
type Tracker struct {
	mu     sync.Mutex
	users  map[string]*userSpend
	limits map[string]Limits
	store  ExternalStore
	logger *slog.Logger
	clock  func() time.Time

	pendingMu sync.Mutex
	pending   []contracts.OperationRecord

	stop chan struct{}
	done chan struct{}
}

type userSpend struct {
	mu          sync.Mutex
	dayAnchor   string // YYYY-MM-DD
	monthAnchor string // YYYY-MM
	dailyUsed   registry.MicroUSD
	monthlyUsed registry.MicroUSD
	byKind      map[string]registry.MicroUSD
	reconciled  bool
	dirty       bool
}

// NewTracker creates a tracker. store may be nil.
func NewTracker(store ExternalStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		users:  make(map[string]*userSpend),
		limits: make(map[string]Limits),
		store:  store,
		logger: logger.With("component", "cost"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// SetLimits overrides a user's budget ceilings.
func (t *Tracker) SetLimits(userID string, l Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[userID] = l
}

// LimitsFor returns the user's effective limits.
func (t *Tracker) LimitsFor(userID string) Limits {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.limits[userID]; ok {
		return l
	}
	return DefaultLimits
}

// Estimate prices an operation against a descriptor: integer micro-USD,
// per-1k-token rates.
func Estimate(d registry.ModelDescriptor, inputTokens, outputTokens int) registry.MicroUSD {
	in := registry.MicroUSD(int64(inputTokens) * int64(d.PriceInPer1K) / 1000)
	out := registry.MicroUSD(int64(outputTokens) * int64(d.PriceOutPer1K) / 1000)
	return in + out
}

// CheckBudget reports whether adding est to the user's spend would exceed
// either window. A store error during reconcile fails closed.
func (t *Tracker) CheckBudget(ctx context.Context, userID string, est registry.MicroUSD) error {
	limits := t.LimitsFor(userID)
	u := t.user(userID)

	u.mu.Lock()
	defer u.mu.Unlock()

	if err := t.rollAndReconcileLocked(ctx, userID, u); err != nil {
		return fmt.Errorf("cost: reconcile failed, denying: %w", err)
	}

	if u.dailyUsed+est > limits.Daily {
		return &ExceededError{Window: WindowDaily, Used: u.dailyUsed, Limit: limits.Daily, Estimate: est}
	}
	if u.monthlyUsed+est > limits.Monthly {
		return &ExceededError{Window: WindowMonthly, Used: u.monthlyUsed, Limit: limits.Monthly, Estimate: est}
	}
	return nil
}

// ExceededError reports a budget denial with the numbers behind it.
type ExceededError struct {
	Window   Window
	Used     registry.MicroUSD
	Limit    registry.MicroUSD
	Estimate registry.MicroUSD
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("cost: %s budget exceeded: used %.6f + est %.6f > limit %.6f USD",
		e.Window, e.Used.USD(), e.Estimate.USD(), e.Limit.USD())
}

// Record adds an operation's actual cost to the user's windows and queues
// the record for the external store.
func (t *Tracker) Record(ctx context.Context, rec contracts.OperationRecord) error {
	u := t.user(rec.UserID)

	u.mu.Lock()
	if err := t.rollAndReconcileLocked(ctx, rec.UserID, u); err != nil {
		// Spend still counts locally; reconciliation retries on next touch.
		t.logger.Warn("reconcile during record failed", "user", rec.UserID, "error", err)
	}
	u.dailyUsed += rec.Cost
	u.monthlyUsed += rec.Cost
	u.byKind[string(rec.OpKind)] += rec.Cost
	u.dirty = true
	u.mu.Unlock()

	if t.store != nil {
		t.pendingMu.Lock()
		t.pending = append(t.pending, rec)
		t.pendingMu.Unlock()
	}
	return nil
}

// Remaining returns the budget left in the window, floored at zero.
func (t *Tracker) Remaining(ctx context.Context, userID string, w Window) registry.MicroUSD {
	limits := t.LimitsFor(userID)
	u := t.user(userID)

	u.mu.Lock()
	defer u.mu.Unlock()
	_ = t.rollAndReconcileLocked(ctx, userID, u)

	var rem registry.MicroUSD
	switch w {
	case WindowDaily:
		rem = limits.Daily - u.dailyUsed
	default:
		rem = limits.Monthly - u.monthlyUsed
	}
	if rem < 0 {
		return 0
	}
	return rem
}

// Report returns the user's current-month spend broken down by op kind.
func (t *Tracker) Report(ctx context.Context, userID string) (registry.MicroUSD, map[string]registry.MicroUSD) {
	u := t.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	_ = t.rollAndReconcileLocked(ctx, userID, u)

	byKind := make(map[string]registry.MicroUSD, len(u.byKind))
	for k, v := range u.byKind {
		byKind[k] = v
	}
	return u.monthlyUsed, byKind
}

// Start launches the background flush loop.
func (t *Tracker) Start() {
	if t.store == nil {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Flush(context.Background())
			case <-t.stop:
				t.Flush(context.Background())
				return
			}
		}
	}()
}

// Stop terminates the flush loop after a final flush.
func (t *Tracker) Stop() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.done
	t.stop = nil
}

// Flush writes dirty spend rows and queued operation records to the store.
func (t *Tracker) Flush(ctx context.Context) {
	if t.store == nil {
		return
	}

	t.pendingMu.Lock()
	batch := t.pending
	t.pending = nil
	t.pendingMu.Unlock()
	for _, rec := range batch {
		if err := t.store.InsertOperation(ctx, rec); err != nil {
			t.logger.Warn("operation record flush failed", "op_id", rec.OpID, "error", err)
		}
	}

	t.mu.Lock()
	users := make(map[string]*userSpend, len(t.users))
	for id, u := range t.users {
		users[id] = u
	}
	t.mu.Unlock()

	for id, u := range users {
		u.mu.Lock()
		if !u.dirty {
			u.mu.Unlock()
			continue
		}
		month := u.monthAnchor
		total := u.monthlyUsed
		byKind := make(map[string]registry.MicroUSD, len(u.byKind))
		for k, v := range u.byKind {
			byKind[k] = v
		}
		u.dirty = false
		u.mu.Unlock()

		if err := t.store.UpsertMonthlySpend(ctx, id, month, total, byKind); err != nil {
			t.logger.Warn("spend flush failed", "user", id, "error", err)
			u.mu.Lock()
			u.dirty = true
			u.mu.Unlock()
		}
	}
}

func (t *Tracker) user(userID string) *userSpend {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userID]
	if !ok {
		u = &userSpend{byKind: make(map[string]registry.MicroUSD)}
		t.users[userID] = u
	}
	return u
}

// rollAndReconcileLocked resets expired windows and, on first touch of a
// user, merges the external store's view of the current month.
// Caller holds u.mu.
func (t *Tracker) rollAndReconcileLocked(ctx context.Context, userID string, u *userSpend) error {
	now := t.clock().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if u.dayAnchor != day {
		u.dayAnchor = day
		u.dailyUsed = 0
	}
	if u.monthAnchor != month {
		u.monthAnchor = month
		u.monthlyUsed = 0
		u.byKind = make(map[string]registry.MicroUSD)
		u.reconciled = false
	}

	if u.reconciled || t.store == nil {
		u.reconciled = true
		return nil
	}
	total, byKind, err := t.store.LoadMonthlySpend(ctx, userID, month)
	if err != nil {
		return err
	}
	if total > u.monthlyUsed {
		u.monthlyUsed = total
	}
	for k, v := range byKind {
		if v > u.byKind[k] {
			u.byKind[k] = v
		}
	}
	u.reconciled = true
	return nil
}
