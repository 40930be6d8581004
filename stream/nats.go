package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/novelytical/realtime/internal/logger"
	"github.com/novelytical/realtime/internal/natsutil"
	"github.com/novelytical/realtime/types"
)

// NATS is a change-stream adapter over core NATS subscriptions.
//
// Each Open subscribes to one subject derived from the query key. Delivery
// is at-most-once: updates published while no listener is open are lost,
// which suits presence-style change feeds where only the current state
// matters.
//
// A terminal connection close is fanned out as a stream error to every open
// listener.
type NATS struct {
	conn *nats.Conn
	opts adapterOptions

	mu      sync.Mutex
	streams map[uint64]types.ErrorFunc
	nextID  uint64
}

// NewNATS creates a change-stream adapter on an established NATS connection.
//
// The adapter chains onto the connection's closed handler so a permanently
// closed connection surfaces as a terminal stream error on every open
// listener. Any previously installed closed handler keeps running.
//
// Parameters:
//   - conn: Established NATS connection, owned by the caller
//   - opts: Optional configuration (subject prefix, logger)
//
// Returns:
//   - *NATS: Adapter ready to be passed to realtime.NewPool
func NewNATS(conn *nats.Conn, opts ...Option) *NATS {
	options := adapterOptions{prefix: DefaultSubjectPrefix, logger: logger.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}

	n := &NATS{
		conn:    conn,
		opts:    options,
		streams: make(map[uint64]types.ErrorFunc),
	}

	prev := conn.Opts.ClosedCB
	conn.SetClosedHandler(func(c *nats.Conn) {
		if prev != nil {
			prev(c)
		}
		n.failAll(types.ErrStreamClosed)
	})

	return n
}

// Open implements types.Opener. The descriptor must be the query key string.
func (n *NATS) Open(_ context.Context, descriptor any, onEvent types.EventFunc, onError types.ErrorFunc) (types.CloseFunc, error) {
	key, ok := descriptor.(string)
	if !ok {
		return nil, types.ErrInvalidDescriptor
	}
	if n.conn.IsClosed() {
		return nil, types.ErrStreamClosed
	}

	subject := Subject(n.opts.prefix, key)
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		records, err := decodeRecords(msg.Data)
		if err != nil {
			n.opts.logger.Warn("dropping undecodable change message", "subject", msg.Subject, "error", err)
			return
		}
		if len(records) == 0 {
			return
		}
		onEvent(records)
	})
	if err != nil {
		if natsutil.IsConnectivityError(err) {
			return nil, fmt.Errorf("%w: subscribing to %s: %w", types.ErrStreamClosed, subject, err)
		}

		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.streams[id] = onError
	n.mu.Unlock()

	n.opts.logger.Debug("subscribed to change subject", "subject", subject, "queryKey", key)

	return func() {
		n.mu.Lock()
		delete(n.streams, id)
		n.mu.Unlock()

		if err := sub.Unsubscribe(); err != nil && !n.conn.IsClosed() {
			n.opts.logger.Warn("failed to unsubscribe from change subject", "subject", subject, "error", err)
		}
	}, nil
}

func (n *NATS) failAll(err error) {
	n.mu.Lock()
	callbacks := make([]types.ErrorFunc, 0, len(n.streams))
	for _, cb := range n.streams {
		callbacks = append(callbacks, cb)
	}
	n.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

var _ types.Opener = (*NATS)(nil)
