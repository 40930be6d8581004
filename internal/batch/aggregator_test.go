package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/novelytical/realtime/internal/logger"
	"github.com/novelytical/realtime/internal/metrics"
	"github.com/novelytical/realtime/types"
)

// collectingDeliverer records every flush it receives.
type collectingDeliverer struct {
	mu      sync.Mutex
	flushes [][]types.ChangeRecord
	err     error
	failFor int // number of leading calls that fail
	calls   int
}

func (d *collectingDeliverer) deliver(_ context.Context, _ string, updates []types.ChangeRecord, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failFor > 0 && d.calls <= d.failFor {
		return d.err
	}
	cp := make([]types.ChangeRecord, len(updates))
	copy(cp, updates)
	d.flushes = append(d.flushes, cp)

	return nil
}

func (d *collectingDeliverer) flushCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.flushes)
}

func (d *collectingDeliverer) flush(i int) []types.ChangeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.flushes[i]
}

func testConfig() Config {
	return Config{
		FlushThrottle: 0, // most tests exercise pure debounce
		Logger:        logger.NewNop(),
		Metrics:       metrics.NewNop(),
	}
}

func record(id string) types.ChangeRecord {
	return types.ChangeRecord{Type: types.ChangeModified, ID: id, Payload: map[string]any{"id": id}}
}

func TestAggregator_DebounceFlushesOnceAfterQuietPeriod(t *testing.T) {
	d := &collectingDeliverer{}
	a := New(testConfig(), d.deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: 100 * time.Millisecond, MaxRetries: 3}

	// Items every 10ms for ~500ms keep resetting the countdown.
	for i := 0; i < 50; i++ {
		require.NoError(t, a.Add("sub-1", record("doc"), opts))
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, d.flushCount())

	// Silence: exactly one flush, ~100ms after the last item, with all items.
	require.Eventually(t, func() bool { return d.flushCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Len(t, d.flush(0), 50)

	// No second flush shows up later.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, d.flushCount())
	require.Equal(t, 0, a.PendingItems())
}

func TestAggregator_SizeBoundForcesFlush(t *testing.T) {
	cfg := testConfig()
	cfg.SizeLimit = 50
	d := &collectingDeliverer{}
	a := New(cfg, d.deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: time.Hour, MaxRetries: 3} // debounce never fires

	for i := 0; i < 51; i++ {
		require.NoError(t, a.Add("sub-1", record("doc"), opts))
	}

	// The 50th item hit the bound and flushed the full group; the 51st
	// started a new group.
	require.Eventually(t, func() bool { return d.flushCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, d.flush(0), 50)
	require.Equal(t, 1, a.PendingItems())
}

func TestAggregator_MaxPendingForcesEarlyFlush(t *testing.T) {
	cfg := testConfig()
	cfg.SizeLimit = 1000
	cfg.MaxPendingItems = 10
	d := &collectingDeliverer{}
	a := New(cfg, d.deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: time.Hour, MaxRetries: 3}

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Add("sub-1", record("doc"), opts))
	}

	require.Eventually(t, func() bool { return d.flushCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, d.flush(0), 10)
}

func TestAggregator_ThrottleFloorUnderSustainedLoad(t *testing.T) {
	cfg := testConfig()
	cfg.FlushThrottle = 150 * time.Millisecond
	d := &collectingDeliverer{}
	a := New(cfg, d.deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: 20 * time.Millisecond, MaxRetries: 3}

	// Sustained stream for ~600ms with gaps just long enough for debounce to
	// fire; the throttle floor limits the flush rate.
	deadline := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, a.Add("sub-1", record("doc"), opts))
		time.Sleep(30 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return a.PendingItems() == 0 }, time.Second, 10*time.Millisecond)

	// Without the floor this would flush ~20 times; with a 150ms floor the
	// count stays near 600/150 = 4 (first flush is unthrottled).
	n := d.flushCount()
	require.GreaterOrEqual(t, n, 2)
	require.LessOrEqual(t, n, 6)
}

func TestAggregator_PreservesItemOrder(t *testing.T) {
	d := &collectingDeliverer{}
	a := New(testConfig(), d.deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: 30 * time.Millisecond, MaxRetries: 3}
	require.NoError(t, a.Add("sub-1", record("e1"), opts))
	require.NoError(t, a.Add("sub-1", record("e2"), opts))
	require.NoError(t, a.Add("sub-1", record("e3"), opts))

	require.Eventually(t, func() bool { return d.flushCount() == 1 }, time.Second, 5*time.Millisecond)
	got := d.flush(0)
	require.Equal(t, []string{"e1", "e2", "e3"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestAggregator_RetriesWithBackoffThenSucceeds(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBase = 10 * time.Millisecond
	d := &collectingDeliverer{err: errors.New("handler down"), failFor: 2}
	a := New(cfg, d.deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: 10 * time.Millisecond, MaxRetries: 3}
	require.NoError(t, a.Add("sub-1", record("doc"), opts))

	// Two failures, then the third attempt lands.
	require.Eventually(t, func() bool { return d.flushCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), a.FlushedBatches())
}

func TestAggregator_AbandonsAfterMaxRetries(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBase = 5 * time.Millisecond

	var abandonMu sync.Mutex
	var abandoned []string
	var abandonErr error
	cfg.OnAbandon = func(source string, err error) {
		abandonMu.Lock()
		defer abandonMu.Unlock()
		abandoned = append(abandoned, source)
		abandonErr = err
	}

	d := &collectingDeliverer{err: errors.New("handler down"), failFor: 1 << 30}
	a := New(cfg, d.deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: 5 * time.Millisecond, MaxRetries: 2}
	require.NoError(t, a.Add("sub-1", record("doc"), opts))

	require.Eventually(t, func() bool {
		abandonMu.Lock()
		defer abandonMu.Unlock()

		return len(abandoned) == 1
	}, 2*time.Second, 10*time.Millisecond)

	abandonMu.Lock()
	defer abandonMu.Unlock()
	require.Equal(t, "sub-1", abandoned[0])
	require.ErrorIs(t, abandonErr, types.ErrRetriesExhausted)
	// 1 initial attempt + 2 retries, never delivered.
	require.Equal(t, 0, d.flushCount())
}

func TestAggregator_DropSourceDiscardsPending(t *testing.T) {
	d := &collectingDeliverer{}
	a := New(testConfig(), d.deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: 50 * time.Millisecond, MaxRetries: 3}
	require.NoError(t, a.Add("sub-1", record("doc"), opts))
	require.Equal(t, 1, a.PendingItems())

	a.DropSource("sub-1")
	require.Equal(t, 0, a.PendingItems())

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, d.flushCount())
}

func TestAggregator_SourcesFlushIndependently(t *testing.T) {
	d := &collectingDeliverer{}
	a := New(testConfig(), d.deliver)
	defer a.Close(context.Background())

	fast := SourceOptions{Debounce: 20 * time.Millisecond, MaxRetries: 3}
	slow := SourceOptions{Debounce: 500 * time.Millisecond, MaxRetries: 3}

	require.NoError(t, a.Add("sub-fast", record("f"), fast))
	require.NoError(t, a.Add("sub-slow", record("s"), slow))

	require.Eventually(t, func() bool { return d.flushCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "f", d.flush(0)[0].ID)
	require.Equal(t, 1, a.PendingItems()) // slow source still pending
}

func TestAggregator_ForcedFlushBypassesDebounce(t *testing.T) {
	d := &collectingDeliverer{}
	a := New(testConfig(), d.deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: time.Hour, MaxRetries: 3}
	require.NoError(t, a.Add("sub-1", record("doc"), opts))

	a.Flush("sub-1")
	require.Eventually(t, func() bool { return d.flushCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAggregator_BackToBackFlushesDeliverInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.SizeLimit = 2

	var mu sync.Mutex
	var order []string
	active, maxActive := 0, 0
	deliver := func(_ context.Context, _ string, updates []types.ChangeRecord, _ time.Time) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		// Slow the first batch down; a concurrent second flush would overtake
		// it and reorder the stream.
		if updates[0].ID == "c1" {
			time.Sleep(50 * time.Millisecond)
		}

		mu.Lock()
		for _, u := range updates {
			order = append(order, u.ID)
		}
		active--
		mu.Unlock()

		return nil
	}
	a := New(cfg, deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: time.Hour, MaxRetries: 0}
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		require.NoError(t, a.Add("sub-1", record(id), opts))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(order) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"c1", "c2", "c3", "c4"}, order)
	require.Equal(t, 1, maxActive)
}

func TestAggregator_CloseSuppressesScheduledRetry(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBase = 30 * time.Millisecond
	d := &collectingDeliverer{err: errors.New("handler down"), failFor: 1 << 30}
	a := New(cfg, d.deliver)

	opts := SourceOptions{Debounce: 5 * time.Millisecond, MaxRetries: 3}
	require.NoError(t, a.Add("sub-1", record("doc"), opts))

	// Wait for the first failed attempt, which schedules a retry.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()

		return d.calls == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close(context.Background()))

	// The scheduled retry must not deliver after Close has returned.
	time.Sleep(100 * time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Equal(t, 1, d.calls)
}

func TestAggregator_CloseRejectsAdd(t *testing.T) {
	d := &collectingDeliverer{}
	a := New(testConfig(), d.deliver)

	require.NoError(t, a.Close(context.Background()))
	err := a.Add("sub-1", record("doc"), SourceOptions{Debounce: time.Millisecond})
	require.ErrorIs(t, err, types.ErrPoolClosed)

	// Idempotent.
	require.NoError(t, a.Close(context.Background()))
}

func TestAggregator_SweepReclaimsStaleGroups(t *testing.T) {
	cfg := testConfig()
	cfg.GroupRetention = time.Hour // delayed removal never fires in this test
	cfg.StaleGroupAge = 50 * time.Millisecond
	cfg.SweepInterval = 25 * time.Millisecond
	d := &collectingDeliverer{}
	a := New(cfg, d.deliver)
	defer a.Close(context.Background())

	opts := SourceOptions{Debounce: 5 * time.Millisecond, MaxRetries: 3}
	require.NoError(t, a.Add("sub-1", record("doc"), opts))

	require.Eventually(t, func() bool { return d.flushCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.RetainedGroups() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGroupState_String(t *testing.T) {
	require.Equal(t, "pending", GroupPending.String())
	require.Equal(t, "processing", GroupProcessing.String())
	require.Equal(t, "completed", GroupCompleted.String())
	require.Equal(t, "failed", GroupFailed.String())
	require.Equal(t, "unknown", GroupState(99).String())
}
