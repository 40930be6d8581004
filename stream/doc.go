// Package stream provides NATS-backed change-stream adapters for the
// realtime pool.
//
// Two adapters are available:
//   - NATS: core NATS subscriptions, one subject per query key. Lowest
//     latency, at-most-once: updates published while a listener is down are
//     lost.
//   - JetStream: ordered consumers on a JetStream stream. Survives brief
//     consumer interruptions and preserves publish order.
//
// Both adapters expect change payloads encoded as JSON, either a single
// ChangeRecord object or an array of them per message.
//
// Query keys are mapped to subject tokens with Token, which sanitizes
// arbitrary keys into valid NATS subject tokens while keeping them unique.
//
// Example:
//
//	nc, _ := nats.Connect(nats.DefaultURL)
//	opener := stream.NewNATS(nc, stream.WithSubjectPrefix("changes"))
//	pool, _ := realtime.NewPool(&cfg, opener)
//	id, _ := pool.Subscribe("novel:42", "novel:42", handler, nil)
package stream
