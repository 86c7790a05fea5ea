package cost_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/helixos/helix/pkg/contracts"
	"github.com/helixos/helix/pkg/cost"
	"github.com/helixos/helix/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	ops     []contracts.OperationRecord
	monthly map[string]registry.MicroUSD
	byKind  map[string]map[string]registry.MicroUSD
	loadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		monthly: make(map[string]registry.MicroUSD),
		byKind:  make(map[string]map[string]registry.MicroUSD),
	}
}

func (f *fakeStore) InsertOperation(_ context.Context, rec contracts.OperationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, rec)
	return nil
}

func (f *fakeStore) UpsertMonthlySpend(_ context.Context, userID, month string, total registry.MicroUSD, byKind map[string]registry.MicroUSD) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monthly[userID+"/"+month] = total
	f.byKind[userID+"/"+month] = byKind
	return nil
}

func (f *fakeStore) LoadMonthlySpend(_ context.Context, userID, month string) (registry.MicroUSD, map[string]registry.MicroUSD, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return 0, nil, f.loadErr
	}
	return f.monthly[userID+"/"+month], f.byKind[userID+"/"+month], nil
}

func descriptor(in, out registry.MicroUSD) registry.ModelDescriptor {
	return registry.ModelDescriptor{
		ModelID: "m", ProviderID: "p",
		PriceInPer1K: in, PriceOutPer1K: out,
	}
}

func TestEstimateMatchesRateCard(t *testing.T) {
	// 50k tokens at 0.0001 USD/1k in, 400 expected out at 0.0004 USD/1k.
	d := descriptor(100, 400)
	est := cost.Estimate(d, 50_000, 400)
	assert.Equal(t, registry.MicroUSD(5_160), est)
	assert.InDelta(t, 0.00516, est.USD(), 1e-9)
}

func TestCheckBudgetDeniesOverMonthly(t *testing.T) {
	tr := cost.NewTracker(nil, nil)
	// Daily headroom is generous so the monthly window is the one that trips.
	tr.SetLimits("u1", cost.Limits{Daily: registry.FromUSD(10.00), Monthly: registry.FromUSD(5.00)})

	// Pre-existing monthly spend of 4.996 USD leaves only 0.004 USD, less
	// than the 0.00516 USD estimate.
	require.NoError(t, tr.Record(context.Background(), contracts.OperationRecord{
		OpID: "seed", UserID: "u1", OpKind: contracts.OpChat,
		Cost: registry.FromUSD(4.996), Timestamp: time.Now(),
	}))

	err := tr.CheckBudget(context.Background(), "u1", registry.MicroUSD(5_160))
	require.Error(t, err)
	var ex *cost.ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, cost.WindowMonthly, ex.Window)
}

func TestCheckBudgetAllowsWithinLimits(t *testing.T) {
	tr := cost.NewTracker(nil, nil)
	assert.NoError(t, tr.CheckBudget(context.Background(), "u2", registry.FromUSD(0.01)))
}

func TestCheckBudgetFailsClosedOnStoreError(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("datastore down")
	tr := cost.NewTracker(store, nil)

	err := tr.CheckBudget(context.Background(), "u1", 1)
	assert.Error(t, err)
}

func TestDailyWindowRollsOver(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	tr := cost.NewTracker(nil, nil).WithClock(func() time.Time { return now })
	tr.SetLimits("u1", cost.Limits{Daily: registry.FromUSD(1.00), Monthly: registry.FromUSD(100)})

	require.NoError(t, tr.Record(context.Background(), contracts.OperationRecord{
		OpID: "a", UserID: "u1", OpKind: contracts.OpChat, Cost: registry.FromUSD(0.99),
	}))
	require.Error(t, tr.CheckBudget(context.Background(), "u1", registry.FromUSD(0.02)))

	// Next day: daily resets, monthly carries.
	now = now.Add(2 * time.Hour)
	assert.NoError(t, tr.CheckBudget(context.Background(), "u1", registry.FromUSD(0.02)))
	assert.Equal(t, registry.FromUSD(1.00), tr.Remaining(context.Background(), "u1", cost.WindowDaily))
}

func TestReconcileFromStoreOnFirstTouch(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.monthly["u1/2026-03"] = registry.FromUSD(4.98)

	tr := cost.NewTracker(store, nil).WithClock(func() time.Time { return now })
	tr.SetLimits("u1", cost.Limits{Daily: registry.FromUSD(5), Monthly: registry.FromUSD(5.00)})

	// Only 0.02 USD of monthly budget is left, so a 0.03 USD estimate is
	// denied on the strength of the reconciled store value alone.
	err := tr.CheckBudget(context.Background(), "u1", registry.FromUSD(0.03))
	require.Error(t, err)
	var ex *cost.ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, cost.WindowMonthly, ex.Window)

	rem := tr.Remaining(context.Background(), "u1", cost.WindowMonthly)
	assert.Equal(t, registry.FromUSD(0.02), rem)
}

func TestFlushWritesOpsAndSpend(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tr := cost.NewTracker(store, nil).WithClock(func() time.Time { return now })

	require.NoError(t, tr.Record(context.Background(), contracts.OperationRecord{
		OpID: "op-1", UserID: "u1", OpKind: contracts.OpChat, Cost: registry.FromUSD(0.01),
		Success: true, Timestamp: now,
	}))
	tr.Flush(context.Background())

	assert.Len(t, store.ops, 1)
	assert.Equal(t, registry.FromUSD(0.01), store.monthly["u1/2026-03"])
	assert.Equal(t, registry.FromUSD(0.01), store.byKind["u1/2026-03"]["chat"])
}

func TestReportByKind(t *testing.T) {
	tr := cost.NewTracker(nil, nil)
	require.NoError(t, tr.Record(context.Background(), contracts.OperationRecord{
		OpID: "1", UserID: "u1", OpKind: contracts.OpChat, Cost: 100,
	}))
	require.NoError(t, tr.Record(context.Background(), contracts.OperationRecord{
		OpID: "2", UserID: "u1", OpKind: contracts.OpSentiment, Cost: 50,
	}))

	total, byKind := tr.Report(context.Background(), "u1")
	assert.Equal(t, registry.MicroUSD(150), total)
	assert.Equal(t, registry.MicroUSD(100), byKind["chat"])
	assert.Equal(t, registry.MicroUSD(50), byKind["sentiment"])
}
