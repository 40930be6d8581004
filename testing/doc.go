// Package testing provides test utilities for the realtime library.
//
// This package offers helpers for setting up test environments, particularly
// embedded NATS servers for integration testing and a scripted in-memory
// change stream for unit testing. It follows Go's convention of providing
// testing utilities in a dedicated package (similar to net/http/httptest).
//
// Key utilities:
//   - StartEmbeddedNATS: Single NATS server with JetStream
//   - CreateJetStreamStream: Convenience wrapper for stream creation
//   - NewFakeStream: Scripted change-stream port for pool tests
//
// Example usage:
//
//	import (
//	    "testing"
//	    rttest "github.com/novelytical/realtime/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := rttest.StartEmbeddedNATS(t)
//	    // Use nc for your tests
//	}
package testing
