// Package types provides core type definitions and interfaces for the realtime library.
//
// This package contains shared types that are used across multiple packages in the
// realtime library. By keeping these types in a separate package, we avoid import
// cycles between the main realtime package and its internal implementations.
//
// Key types:
//   - ChangeRecord: A single change emitted by a change stream
//   - Delivery: Envelope handed to subscribers (immediate, batch, or error)
//   - Handler: Subscriber-side delivery contract
//   - Opener: Change-stream port consumed by the pool
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
