package stream

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/novelytical/realtime/internal/logger"
	"github.com/novelytical/realtime/internal/natsutil"
	"github.com/novelytical/realtime/types"
)

// JetStream is a change-stream adapter over JetStream ordered consumers.
//
// Each Open creates an ordered consumer filtered to the query key's subject,
// starting at new messages. Ordered consumers transparently recreate
// themselves after interruptions, so brief broker hiccups do not surface as
// stream errors; only connectivity loss does.
type JetStream struct {
	js         jetstream.JetStream
	streamName string
	opts       adapterOptions
}

// NewJetStream creates a change-stream adapter reading from a JetStream
// stream.
//
// The stream must already exist and capture the adapter's subject space
// (prefix.> with the configured prefix).
//
// Parameters:
//   - js: JetStream context (from jetstream.New)
//   - streamName: Name of the stream holding change messages
//   - opts: Optional configuration (subject prefix, logger)
//
// Returns:
//   - *JetStream: Adapter ready to be passed to realtime.NewPool
func NewJetStream(js jetstream.JetStream, streamName string, opts ...Option) *JetStream {
	options := adapterOptions{prefix: DefaultSubjectPrefix, logger: logger.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}

	return &JetStream{js: js, streamName: streamName, opts: options}
}

// Open implements types.Opener. The descriptor must be the query key string.
func (j *JetStream) Open(ctx context.Context, descriptor any, onEvent types.EventFunc, onError types.ErrorFunc) (types.CloseFunc, error) {
	key, ok := descriptor.(string)
	if !ok {
		return nil, types.ErrInvalidDescriptor
	}

	subject := Subject(j.opts.prefix, key)
	cons, err := j.js.OrderedConsumer(ctx, j.streamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		if natsutil.IsConnectivityError(err) {
			return nil, fmt.Errorf("%w: creating consumer on %s: %w", types.ErrStreamClosed, j.streamName, err)
		}

		return nil, fmt.Errorf("failed to create ordered consumer on %s: %w", j.streamName, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		records, err := decodeRecords(msg.Data())
		if err != nil {
			j.opts.logger.Warn("dropping undecodable change message", "subject", msg.Subject(), "error", err)
			return
		}
		if len(records) == 0 {
			return
		}
		onEvent(records)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		// Ordered consumers recover from transient errors on their own;
		// only a dead transport is terminal.
		if natsutil.IsConnectivityError(err) {
			onError(fmt.Errorf("%w: %w", types.ErrStreamClosed, err))
			return
		}
		j.opts.logger.Warn("transient consume error", "subject", subject, "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", subject, err)
	}

	j.opts.logger.Debug("consuming change subject", "stream", j.streamName, "subject", subject, "queryKey", key)

	return cc.Stop, nil
}

var _ types.Opener = (*JetStream)(nil)
