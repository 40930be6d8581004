package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/novelytical/realtime/internal/logger"
	"github.com/novelytical/realtime/internal/metrics"
)

func newTestBreaker(threshold int, cooldown time.Duration) *Breaker {
	return New(threshold, cooldown, logger.NewNop(), metrics.NewNop())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		opened := b.RecordFailure("novel:42")
		require.False(t, opened)
		require.True(t, b.Allow("novel:42"))
	}

	opened := b.RecordFailure("novel:42")
	require.True(t, opened)
	require.False(t, b.Allow("novel:42"))
}

func TestBreaker_SourcesAreIndependent(t *testing.T) {
	b := newTestBreaker(2, time.Minute)

	b.RecordFailure("novel:42")
	b.RecordFailure("novel:42")
	require.False(t, b.Allow("novel:42"))

	// A different source is unaffected.
	require.True(t, b.Allow("novel:7"))
	b.RecordFailure("novel:7")
	require.True(t, b.Allow("novel:7"))
}

func TestBreaker_ClosesAfterCooldown(t *testing.T) {
	b := newTestBreaker(2, time.Minute)

	now := time.Now()
	b.SetNowFunc(func() time.Time { return now })

	b.RecordFailure("novel:42")
	b.RecordFailure("novel:42")
	require.False(t, b.Allow("novel:42"))

	// Still inside the cool-down window.
	now = now.Add(59 * time.Second)
	require.False(t, b.Allow("novel:42"))

	// Cool-down elapsed: circuit closes and counter resets.
	now = now.Add(2 * time.Second)
	require.True(t, b.Allow("novel:42"))
	require.Equal(t, 0, b.Failures("novel:42"))

	// Needs the full threshold again to re-open.
	b.RecordFailure("novel:42")
	require.True(t, b.Allow("novel:42"))
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.RecordFailure("novel:42")
	b.RecordFailure("novel:42")
	require.Equal(t, 2, b.Failures("novel:42"))

	b.RecordSuccess("novel:42")
	require.Equal(t, 0, b.Failures("novel:42"))

	// Counter restarted: two more failures do not open a threshold-3 circuit.
	b.RecordFailure("novel:42")
	b.RecordFailure("novel:42")
	require.True(t, b.Allow("novel:42"))
}

func TestBreaker_SuccessDoesNotCloseOpenCircuit(t *testing.T) {
	b := newTestBreaker(1, time.Minute)

	b.RecordFailure("novel:42")
	require.False(t, b.Allow("novel:42"))

	b.RecordSuccess("novel:42")
	require.False(t, b.Allow("novel:42"))
}

func TestBreaker_UnknownSourceAllowed(t *testing.T) {
	b := newTestBreaker(1, time.Minute)

	require.True(t, b.Allow("never-seen"))
	require.Equal(t, 0, b.Failures("never-seen"))
}

func TestBreaker_Forget(t *testing.T) {
	b := newTestBreaker(1, time.Minute)

	b.RecordFailure("novel:42")
	require.False(t, b.Allow("novel:42"))

	b.Forget("novel:42")
	require.True(t, b.Allow("novel:42"))
}

func TestBreaker_ConcurrentRecordFailure(t *testing.T) {
	b := newTestBreaker(100, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.RecordFailure("novel:42")
			}
		}()
	}
	wg.Wait()

	// Exactly 100 failures recorded, so the circuit just opened.
	require.False(t, b.Allow("novel:42"))
}
