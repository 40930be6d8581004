package testing

import (
	"context"
	"sync"

	"github.com/novelytical/realtime/types"
)

// FakeStream is an in-memory change-stream port for unit testing.
//
// Each Open registers the caller's callbacks under the descriptor (which must
// be a string); tests then push change record sets or terminal errors into
// specific descriptors with Emit and Fail. Open/close counts are tracked so
// tests can assert connection sharing and teardown behavior.
//
// All methods are safe for concurrent use.
type FakeStream struct {
	mu       sync.Mutex
	streams  map[string][]*fakeConn
	opens    int
	closes   int
	failNext error
}

type fakeConn struct {
	onEvent types.EventFunc
	onError types.ErrorFunc
	closed  bool
}

// NewFakeStream creates an empty FakeStream.
func NewFakeStream() *FakeStream {
	return &FakeStream{streams: make(map[string][]*fakeConn)}
}

// Open implements types.Opener. The descriptor must be a string; it doubles
// as the channel Emit and Fail address events to.
func (f *FakeStream) Open(_ context.Context, descriptor any, onEvent types.EventFunc, onError types.ErrorFunc) (types.CloseFunc, error) {
	key, ok := descriptor.(string)
	if !ok {
		return nil, types.ErrInvalidDescriptor
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil

		return nil, err
	}

	conn := &fakeConn{onEvent: onEvent, onError: onError}
	f.streams[key] = append(f.streams[key], conn)
	f.opens++

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()

		if !conn.closed {
			conn.closed = true
			f.closes++
		}
	}, nil
}

// Emit delivers a change record set to every open connection of descriptor.
// Callbacks run synchronously on the calling goroutine.
func (f *FakeStream) Emit(descriptor string, records ...types.ChangeRecord) {
	for _, conn := range f.conns(descriptor) {
		conn.onEvent(records)
	}
}

// Fail delivers a terminal stream error to every open connection of
// descriptor.
func (f *FakeStream) Fail(descriptor string, err error) {
	for _, conn := range f.conns(descriptor) {
		conn.onError(err)
	}
}

// FailNextOpen makes the next Open call return err instead of connecting.
func (f *FakeStream) FailNextOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

// Opens returns how many connections have been opened.
func (f *FakeStream) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.opens
}

// Closes returns how many connections have been closed.
func (f *FakeStream) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closes
}

// OpenConns returns the number of currently open connections for descriptor.
func (f *FakeStream) OpenConns(descriptor string) int {
	return len(f.conns(descriptor))
}

func (f *FakeStream) conns(descriptor string) []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()

	var open []*fakeConn
	for _, conn := range f.streams[descriptor] {
		if !conn.closed {
			open = append(open, conn)
		}
	}

	return open
}

var _ types.Opener = (*FakeStream)(nil)
