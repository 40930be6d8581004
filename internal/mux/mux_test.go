package mux

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

// fakeOpener counts opens/closes and lets tests push events through the
// registered callbacks.
type fakeOpener struct {
	mu      sync.Mutex
	opens   int
	closes  int
	onEvent types.EventFunc
	onError types.ErrorFunc
	openErr error
}

func (f *fakeOpener) Open(_ context.Context, _ any, onEvent types.EventFunc, onError types.ErrorFunc) (types.CloseFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens++
	f.onEvent = onEvent
	f.onError = onError

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closes++
	}, nil
}

func (f *fakeOpener) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.opens, f.closes
}

func (f *fakeOpener) emit(records []types.ChangeRecord) {
	f.mu.Lock()
	cb := f.onEvent
	f.mu.Unlock()
	cb(records)
}

// gatedOpener blocks opens of one descriptor until its gate closes, for
// exercising acquisition while a connection is still opening.
type gatedOpener struct {
	fakeOpener
	gate      chan struct{}
	started   chan struct{}
	startOnce sync.Once
	slow      string
}

func (g *gatedOpener) Open(ctx context.Context, descriptor any, onEvent types.EventFunc, onError types.ErrorFunc) (types.CloseFunc, error) {
	if descriptor == g.slow {
		g.startOnce.Do(func() { close(g.started) })
		<-g.gate
	}

	return g.fakeOpener.Open(ctx, descriptor, onEvent, onError)
}

func newGatedOpener(slow string) *gatedOpener {
	return &gatedOpener{gate: make(chan struct{}), started: make(chan struct{}), slow: slow}
}

func newTestMux(opener types.Opener) *Multiplexer {
	return New(opener, logger.NewNop(), metrics.NewNop())
}

func TestMultiplexer_SharesOneConnectionPerKey(t *testing.T) {
	ctx := t.Context()
	f := &fakeOpener{}
	m := newTestMux(f)

	onEvent := func([]types.ChangeRecord) {}
	onError := func(error) {}

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Acquire(ctx, "novel:42", "subj", onEvent, onError))
	}

	opens, closes := f.counts()
	require.Equal(t, 1, opens)
	require.Equal(t, 0, closes)
	require.Equal(t, 3, m.Refs("novel:42"))
	require.Equal(t, 1, m.ActiveListeners())

	// Releasing down to zero closes the connection exactly once.
	m.Release("novel:42")
	m.Release("novel:42")
	_, closes = f.counts()
	require.Equal(t, 0, closes)

	m.Release("novel:42")
	_, closes = f.counts()
	require.Equal(t, 1, closes)
	require.Equal(t, 0, m.ActiveListeners())
}

func TestMultiplexer_DistinctKeysGetDistinctConnections(t *testing.T) {
	ctx := t.Context()
	f := &fakeOpener{}
	m := newTestMux(f)

	noop := func([]types.ChangeRecord) {}
	noerr := func(error) {}

	require.NoError(t, m.Acquire(ctx, "novel:42", "a", noop, noerr))
	require.NoError(t, m.Acquire(ctx, "novel:7", "b", noop, noerr))

	opens, _ := f.counts()
	require.Equal(t, 2, opens)
	require.Equal(t, 2, m.ActiveListeners())
}

func TestMultiplexer_ReleaseUnknownKeyIsNoop(t *testing.T) {
	f := &fakeOpener{}
	m := newTestMux(f)

	require.NotPanics(t, func() { m.Release("never-acquired") })
	_, closes := f.counts()
	require.Equal(t, 0, closes)
}

func TestMultiplexer_OpenFailureLeavesNoEntry(t *testing.T) {
	ctx := t.Context()
	f := &fakeOpener{openErr: errors.New("connect refused")}
	m := newTestMux(f)

	err := m.Acquire(ctx, "novel:42", "subj", func([]types.ChangeRecord) {}, func(error) {})
	require.Error(t, err)
	require.Equal(t, 0, m.ActiveListeners())
	require.Equal(t, 0, m.Refs("novel:42"))
}

func TestMultiplexer_LateEventsAfterCloseAreDropped(t *testing.T) {
	ctx := t.Context()
	f := &fakeOpener{}
	m := newTestMux(f)

	var mu sync.Mutex
	received := 0
	onEvent := func([]types.ChangeRecord) {
		mu.Lock()
		defer mu.Unlock()
		received++
	}

	require.NoError(t, m.Acquire(ctx, "novel:42", "subj", onEvent, func(error) {}))
	f.emit([]types.ChangeRecord{{Type: types.ChangeAdded, ID: "d1"}})

	m.Release("novel:42")

	// Straggler from the just-closed connection must not reach the handler.
	f.emit([]types.ChangeRecord{{Type: types.ChangeAdded, ID: "d2"}})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, received)
}

func TestMultiplexer_TeardownForcesClose(t *testing.T) {
	ctx := t.Context()
	f := &fakeOpener{}
	m := newTestMux(f)

	noop := func([]types.ChangeRecord) {}
	require.NoError(t, m.Acquire(ctx, "novel:42", "subj", noop, func(error) {}))
	require.NoError(t, m.Acquire(ctx, "novel:42", "subj", noop, func(error) {}))

	m.Teardown("novel:42", "stream_error")
	_, closes := f.counts()
	require.Equal(t, 1, closes)
	require.Equal(t, 0, m.ActiveListeners())

	// Releases for the torn-down key are harmless no-ops.
	m.Release("novel:42")
	m.Release("novel:42")
	_, closes = f.counts()
	require.Equal(t, 1, closes)
}

func TestMultiplexer_AdoptFoldsSurvivorsIntoCount(t *testing.T) {
	ctx := t.Context()
	f := &fakeOpener{}
	m := newTestMux(f)

	noop := func([]types.ChangeRecord) {}
	require.NoError(t, m.Acquire(ctx, "novel:42", "subj", noop, func(error) {}))
	m.Adopt("novel:42", 2)
	require.Equal(t, 3, m.Refs("novel:42"))

	// Adopt on a missing entry or with zero refs is a no-op.
	m.Adopt("missing", 5)
	m.Adopt("novel:42", 0)
	require.Equal(t, 3, m.Refs("novel:42"))
}

func TestMultiplexer_CloseAll(t *testing.T) {
	ctx := t.Context()
	f := &fakeOpener{}
	m := newTestMux(f)

	noop := func([]types.ChangeRecord) {}
	require.NoError(t, m.Acquire(ctx, "novel:42", "a", noop, func(error) {}))
	require.NoError(t, m.Acquire(ctx, "novel:7", "b", noop, func(error) {}))

	m.CloseAll()
	_, closes := f.counts()
	require.Equal(t, 2, closes)
	require.Equal(t, 0, m.ActiveListeners())
}

func TestMultiplexer_SlowOpenDoesNotBlockOtherKeys(t *testing.T) {
	ctx := t.Context()
	g := newGatedOpener("slow")
	m := newTestMux(g)

	noop := func([]types.ChangeRecord) {}
	noerr := func(error) {}

	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, "novel:1", "slow", noop, noerr) }()
	<-g.started

	// A different key connects and disconnects while the first one is still
	// inside its open call.
	require.NoError(t, m.Acquire(ctx, "novel:2", "fast", noop, noerr))
	m.Release("novel:2")
	opens, closes := g.counts()
	require.Equal(t, 1, opens)
	require.Equal(t, 1, closes)

	close(g.gate)
	require.NoError(t, <-done)
	opens, _ = g.counts()
	require.Equal(t, 2, opens)
	require.Equal(t, 1, m.Refs("novel:1"))
}

func TestMultiplexer_SharersWaitForOpenToSettle(t *testing.T) {
	ctx := t.Context()
	g := newGatedOpener("slow")
	m := newTestMux(g)

	noop := func([]types.ChangeRecord) {}
	noerr := func(error) {}

	first := make(chan error, 1)
	go func() { first <- m.Acquire(ctx, "novel:1", "slow", noop, noerr) }()
	<-g.started

	second := make(chan error, 1)
	go func() { second <- m.Acquire(ctx, "novel:1", "slow", noop, noerr) }()
	require.Eventually(t, func() bool { return m.Refs("novel:1") == 2 }, time.Second, 5*time.Millisecond)

	select {
	case err := <-second:
		t.Fatalf("sharer returned before the open settled: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(g.gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	opens, _ := g.counts()
	require.Equal(t, 1, opens)
	require.Equal(t, 2, m.Refs("novel:1"))
}

func TestMultiplexer_OpenFailurePropagatesToSharers(t *testing.T) {
	ctx := t.Context()
	g := newGatedOpener("slow")
	g.openErr = errors.New("connect refused")
	m := newTestMux(g)

	noop := func([]types.ChangeRecord) {}
	noerr := func(error) {}

	first := make(chan error, 1)
	go func() { first <- m.Acquire(ctx, "novel:1", "slow", noop, noerr) }()
	<-g.started

	second := make(chan error, 1)
	go func() { second <- m.Acquire(ctx, "novel:1", "slow", noop, noerr) }()
	require.Eventually(t, func() bool { return m.Refs("novel:1") == 2 }, time.Second, 5*time.Millisecond)

	close(g.gate)
	require.Error(t, <-first)
	require.Error(t, <-second)
	require.Equal(t, 0, m.ActiveListeners())
	require.Equal(t, 0, m.Refs("novel:1"))
}

func TestMultiplexer_DetachReturnsCloseHandle(t *testing.T) {
	ctx := t.Context()
	f := &fakeOpener{}
	m := newTestMux(f)

	noop := func([]types.ChangeRecord) {}
	require.NoError(t, m.Acquire(ctx, "novel:42", "subj", noop, func(error) {}))

	closeFn := m.Detach("novel:42", "stream_error")
	require.NotNil(t, closeFn)
	require.Equal(t, 0, m.ActiveListeners())

	// The connection stays open until the caller invokes the handle.
	_, closes := f.counts()
	require.Equal(t, 0, closes)
	closeFn()
	_, closes = f.counts()
	require.Equal(t, 1, closes)

	require.Nil(t, m.Detach("novel:42", "stream_error"))
}

func TestMultiplexer_DetachWhileOpeningDiscardsConnection(t *testing.T) {
	ctx := t.Context()
	g := newGatedOpener("slow")
	m := newTestMux(g)

	noop := func([]types.ChangeRecord) {}
	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, "novel:1", "slow", noop, func(error) {}) }()
	<-g.started

	// No close handle yet; the opener closes the connection once it settles.
	require.Nil(t, m.Detach("novel:1", "stream_error"))
	require.Equal(t, 0, m.ActiveListeners())

	close(g.gate)
	require.NoError(t, <-done)
	opens, closes := g.counts()
	require.Equal(t, 1, opens)
	require.Equal(t, 1, closes)
	require.Equal(t, 0, m.Refs("novel:1"))
}

func TestMultiplexer_ConcurrentAcquireRelease(t *testing.T) {
	ctx := t.Context()
	f := &fakeOpener{}
	m := newTestMux(f)

	noop := func([]types.ChangeRecord) {}
	noerr := func(error) {}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Acquire(ctx, "novel:42", "subj", noop, noerr))
			m.Release("novel:42")
		}()
	}
	wg.Wait()

	require.Equal(t, 0, m.ActiveListeners())
	opens, closes := f.counts()
	require.Equal(t, opens, closes)
}
