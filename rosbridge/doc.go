// Package rosbridge provides a resilient Go client for the rosbridge v2.0
// text protocol: JSON envelopes over a WebSocket connection exposing a
// robot's publish/subscribe topics and services to a non-ROS process.
//
// The primary lifecycle is:
//   - construct a Client with NewClient
//   - Connect to the bridge endpoint
//   - Advertise, Publish, Subscribe, and CallService as needed
//   - Disconnect when finished
//
// The client is built for flaky wireless links. A dropped socket is recovered
// automatically under the configured ReconnectPolicy, and every advertisement
// and subscription registered with the client is replayed in full on the
// fresh connection before any inbound frame is delivered, so callers never
// re-register state themselves. Transport failures are never returned from
// data-flow calls; they surface only through the observable ConnectionState.
//
// Exported client APIs synchronize internal state and are safe for concurrent
// use, but message, service, and state handlers can execute from the receive
// and recovery paths and should be written as thread-safe. State handlers run
// on the state machine's own critical path and must not call back into the
// client's lifecycle methods.
//
// Message delivery is fire-and-forget, matching rosbridge pub/sub semantics:
// no send waits for a server acknowledgment, and service calls register a
// handler instead of blocking. Service calls carry no timeout; a caller that
// needs one must impose it around its handler.
//
// Errors are reported as typed errors created with NewError and may wrap
// transport, protocol, command, or disconnect causes.
//
// Integration tests are environment-gated and use ROSBRIDGE_TEST_URI.
package rosbridge
