package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultSubscribeOptions(t *testing.T) {
	cfg := DefaultConfig()
	opts := DefaultSubscribeOptions(&cfg)

	require.True(t, opts.TargetedQuery)
	require.True(t, opts.BatchUpdates)
	require.Equal(t, cfg.DefaultDebounce, opts.Debounce)
	require.Equal(t, cfg.DefaultMaxRetries, opts.MaxRetries)
	require.Equal(t, cfg.DefaultCleanupTimeout, opts.CleanupTimeout)
}

func TestSubscribeOptions_NormalizePartialLiteral(t *testing.T) {
	cfg := DefaultConfig()

	// Zero durations and a negative retry budget take pool defaults; the
	// boolean fields are never defaulted and stay exactly as set.
	merged, err := (&SubscribeOptions{Debounce: 250 * time.Millisecond, MaxRetries: -1}).normalize(&cfg)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, merged.Debounce)
	require.Equal(t, cfg.DefaultMaxRetries, merged.MaxRetries)
	require.Equal(t, cfg.DefaultCleanupTimeout, merged.CleanupTimeout)
	require.False(t, merged.TargetedQuery)
	require.False(t, merged.BatchUpdates)

	// Explicit booleans pass through untouched.
	merged, err = (&SubscribeOptions{TargetedQuery: true, BatchUpdates: true}).normalize(&cfg)
	require.NoError(t, err)
	require.True(t, merged.TargetedQuery)
	require.True(t, merged.BatchUpdates)
	require.Equal(t, cfg.DefaultDebounce, merged.Debounce)

	// MaxRetries zero means no retries, not the default budget.
	merged, err = (&SubscribeOptions{BatchUpdates: true}).normalize(&cfg)
	require.NoError(t, err)
	require.Equal(t, 0, merged.MaxRetries)
}

func TestSubscribeOptions_NormalizeRejectsNegativeDurations(t *testing.T) {
	cfg := DefaultConfig()

	_, err := (&SubscribeOptions{Debounce: -time.Second}).normalize(&cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = (&SubscribeOptions{CleanupTimeout: -time.Second}).normalize(&cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
