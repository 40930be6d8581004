// Package realtime provides a Go library for pooling live change-stream
// subscriptions and coalescing bursts of change notifications into batched
// deliveries.
//
// Many independent consumers can watch the same or overlapping query results
// without each opening its own live connection: the pool keeps exactly one
// change-stream connection per canonical query key and fans incoming changes
// out to every subscription of that key. Subscriptions opt into debounced
// batch delivery, which collapses rapid change bursts into a single coalesced
// envelope per quiet period.
//
// # Quick Start
//
// Basic usage with default settings:
//
//	import "github.com/novelytical/realtime"
//
//	cfg := realtime.DefaultConfig()
//	pool, err := realtime.NewPool(&cfg, opener)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Shutdown(context.Background())
//
//	id, err := pool.Subscribe("novel:42", "novels.42.changes",
//	    types.HandlerFunc(func(ctx context.Context, d types.Delivery) error {
//	        render(d)
//	        return nil
//	    }), nil)
//	// ...
//	pool.Unsubscribe(id)
//
// # Key Features
//
//   - Listener Sharing: One open stream connection per query key, reference
//     counted across subscriptions
//   - Batched Delivery: Debounce plus a throttle floor coalesce change bursts
//     into fewer, larger envelopes
//   - Idle Cleanup: Per-subscription timers force-unsubscribe abandoned
//     consumers
//   - Failure Isolation: Per-source circuit breaking and exponential-backoff
//     retry keep one misbehaving source from affecting others
//
// # Architecture
//
// Change events flow through the pool in one direction:
//
//	change stream -> multiplexer -> router -> immediate delivery
//	                                       -> batch aggregator -> coalesced delivery
//
// The cleanup scheduler and failure isolator run orthogonally, driven by
// timers and by error events.
//
// # Delivery
//
// Subscribers implement types.Handler or consume a channel via
// types.NewChannelHandler. Envelope shapes are immediate (one change), batch
// (coalesced changes in order), and error (terminal stream failure).
package realtime
