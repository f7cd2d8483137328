package core

import "errors"

// Error taxonomy of the signaling core. Protocol and transport failures
// never cross the orchestrator boundary to the UI; they end up as events
// or as a Failed/Ended state with a reason.
var (
	// ErrProtocol marks a malformed or state-inappropriate envelope.
	// Dropped and logged, never fatal.
	ErrProtocol = errors.New("protocol violation")

	// ErrTransport marks a send failure after the single retry.
	ErrTransport = errors.New("transport send failed")

	// ErrMedia marks capture denial or loss before any envelope went out.
	ErrMedia = errors.New("media unavailable")

	// ErrAlreadyInCall rejects a second call while one is active.
	// The rejected command changes no state.
	ErrAlreadyInCall = errors.New("already in call")

	// ErrUnreachable rejects a call to a user presence does not know.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrNoSuchSession rejects a command referencing an unknown session.
	ErrNoSuchSession = errors.New("no such session")

	// ErrBadState rejects a command that does not fit the session state,
	// e.g. answering a call that is not ringing.
	ErrBadState = errors.New("command does not match session state")
)
