package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/helixos/helix/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) fn() func() time.Time   { return func() time.Time { return c.now } }
func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAllowsUpToMaxAttempts(t *testing.T) {
	clk := newTestClock()
	l := ratelimit.New(ratelimit.NewMemoryStore()).WithClock(clk.fn())

	for i := 0; i < ratelimit.MaxAttempts; i++ {
		d, err := l.RecordAttempt(context.Background(), "c1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d should be allowed", i+1)
		clk.advance(time.Second)
	}
}

func TestSixthAttemptLocksOutForOneMinute(t *testing.T) {
	clk := newTestClock()
	l := ratelimit.New(ratelimit.NewMemoryStore()).WithClock(clk.fn())

	for i := 0; i < ratelimit.MaxAttempts; i++ {
		_, err := l.RecordAttempt(context.Background(), "c1")
		require.NoError(t, err)
	}
	d, err := l.RecordAttempt(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.Level)
	assert.Equal(t, time.Minute, d.RetryAfter)
}

func TestBackoffEscalatesAndCaps(t *testing.T) {
	clk := newTestClock()
	l := ratelimit.New(ratelimit.NewMemoryStore()).WithClock(clk.fn())

	// Overflow repeatedly within the window; each overflowing attempt
	// escalates the level up to the cap.
	wantLockouts := []time.Duration{
		time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute,
		16 * time.Minute, 16 * time.Minute,
	}
	for i := 0; i < ratelimit.MaxAttempts; i++ {
		_, err := l.RecordAttempt(context.Background(), "c1")
		require.NoError(t, err)
	}
	for i, want := range wantLockouts {
		d, err := l.RecordAttempt(context.Background(), "c1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, want, ratelimit.LockoutDuration(d.Level), "overflow %d", i+1)
		clk.advance(time.Second)
	}
}

func TestQuietWindowClearsLevel(t *testing.T) {
	clk := newTestClock()
	l := ratelimit.New(ratelimit.NewMemoryStore()).WithClock(clk.fn())

	for i := 0; i < ratelimit.MaxAttempts+1; i++ {
		_, err := l.RecordAttempt(context.Background(), "c1")
		require.NoError(t, err)
	}

	// Attempts during lockout keep the level sticky.
	clk.advance(30 * time.Second)
	d, err := l.RecordAttempt(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// A full quiet window clears everything.
	clk.advance(ratelimit.Window)
	d, err = l.RecordAttempt(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Level)
}

func TestClientsAreIndependent(t *testing.T) {
	clk := newTestClock()
	l := ratelimit.New(ratelimit.NewMemoryStore()).WithClock(clk.fn())

	for i := 0; i < ratelimit.MaxAttempts+1; i++ {
		_, err := l.RecordAttempt(context.Background(), "noisy")
		require.NoError(t, err)
	}
	d, err := l.RecordAttempt(context.Background(), "quiet")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestPurgeEvictsStaleEntries(t *testing.T) {
	clk := newTestClock()
	store := ratelimit.NewMemoryStore()
	l := ratelimit.New(store).WithClock(clk.fn())

	_, err := l.RecordAttempt(context.Background(), "old")
	require.NoError(t, err)

	clk.advance(ratelimit.EvictAfter + time.Minute)
	_, err = l.RecordAttempt(context.Background(), "fresh")
	require.NoError(t, err)

	require.NoError(t, store.Purge(context.Background(), clk.now.Add(-ratelimit.EvictAfter)))

	_, ok := store.Snapshot("old")
	assert.False(t, ok)
	_, ok = store.Snapshot("fresh")
	assert.True(t, ok)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ratelimit.ConstantTimeEqual("secret", "secret"))
	assert.False(t, ratelimit.ConstantTimeEqual("secret", "secret2"))
	assert.False(t, ratelimit.ConstantTimeEqual("", "secret"))
}
