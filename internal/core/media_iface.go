package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Ring/internal/domain"
)

// Constraints describes what the local capture should include.
type Constraints struct {
	Audio bool
	Video bool
}

// MediaHandle is the local capture owned by exactly one active session
// at a time. Swapping devices mutates it in place; every link reading
// from it sees the change.
type MediaHandle interface {
	ID() string
}

// Media is the capture and negotiation boundary. Acquire and the
// Negotiator methods are the suspension points of the core: they are
// awaited off the event loop and their results posted back.
type Media interface {
	// Acquire obtains the local capture. A failure aborts the session
	// before any envelope is sent.
	Acquire(ctx context.Context, c Constraints) (MediaHandle, error)
	// Release frees the capture. Idempotent per session teardown.
	Release(MediaHandle)
	// ReplaceOutgoingVideo swaps the outgoing video source in place.
	ReplaceOutgoingVideo(h MediaHandle, source string) error
	// NewNegotiator creates the negotiation surface for one peer link.
	NewNegotiator(h MediaHandle, remote domain.UserID) (Negotiator, error)
}

// Negotiator drives offer/answer/candidate mechanics for one link.
// The blobs it produces and consumes are opaque to the core.
type Negotiator interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// CreateAnswer applies the remote offer and produces the answer.
	CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	// ApplyAnswer applies the remote answer on the offering side.
	ApplyAnswer(ctx context.Context, answer json.RawMessage) error
	AddCandidate(cand json.RawMessage) error
	// OnCandidate sets the callback for locally gathered candidates.
	// May fire from any goroutine.
	OnCandidate(func(json.RawMessage))
	Close()
}
