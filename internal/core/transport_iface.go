package core

// Transport abstracts the bidirectional signaling channel.
// Owned by the adapter; assumed reliable-ordered and at-least-once per
// connection. The orchestrator is told about channel loss via its own
// OnTransportLost entry point, not through this interface.
type Transport interface {
	Send(Envelope) error
}
