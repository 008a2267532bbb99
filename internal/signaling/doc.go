// Package signaling defines the call-control envelopes exchanged through the
// hub and the Relay that encodes, decodes and routes them.
//
// The package has no session logic: it validates payloads at the boundary
// and turns hub invocations into typed Inbound events.
package signaling
