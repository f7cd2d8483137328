package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Ring/internal/domain"
)

// Kind is the closed tag set of the signaling envelope union.
type Kind string

const (
	KindCallOffer    Kind = "call_offer"
	KindCallAnswer   Kind = "call_answer"
	KindIceCandidate Kind = "ice_candidate"
	KindDecline      Kind = "decline"
	KindEndCall      Kind = "end_call"
	KindGroupJoin    Kind = "group_join"
	KindGroupOffer   Kind = "group_offer"
	KindGroupAnswer  Kind = "group_answer"
)

// Envelope is the wire-level signaling unit. Offers, answers and
// candidates are opaque blobs the core routes and sequences but never
// interprets. SessionID is generated by the call initiator and echoed
// unchanged by all parties for the call's lifetime. Seq is a per-link
// monotonic counter used to absorb at-least-once redelivery.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	From      domain.UserID   `json:"from"`
	To        string          `json:"to"` // UserID or GroupID
	SessionID string          `json:"session_id"`
	Group     domain.GroupID  `json:"group,omitempty"` // set on group kinds only
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

var knownKinds = map[Kind]struct{}{
	KindCallOffer:    {},
	KindCallAnswer:   {},
	KindIceCandidate: {},
	KindDecline:      {},
	KindEndCall:      {},
	KindGroupJoin:    {},
	KindGroupOffer:   {},
	KindGroupAnswer:  {},
}

// payloadRequired lists the kinds that must carry an opaque blob.
var payloadRequired = map[Kind]struct{}{
	KindCallOffer:    {},
	KindCallAnswer:   {},
	KindIceCandidate: {},
	KindGroupOffer:   {},
	KindGroupAnswer:  {},
}

// Validate checks the envelope shape at the boundary. Anything outside
// the closed union is a protocol error, not a panic or a silent accept.
func (e Envelope) Validate() error {
	if _, ok := knownKinds[e.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrProtocol, e.Kind)
	}
	if e.From == "" {
		return fmt.Errorf("%w: missing from", ErrProtocol)
	}
	if e.To == "" {
		return fmt.Errorf("%w: missing to", ErrProtocol)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrProtocol)
	}
	if _, ok := payloadRequired[e.Kind]; ok && len(e.Payload) == 0 {
		return fmt.Errorf("%w: kind %q requires a payload", ErrProtocol, e.Kind)
	}
	switch e.Kind {
	case KindGroupJoin, KindGroupOffer, KindGroupAnswer:
		if e.Group == "" {
			return fmt.Errorf("%w: kind %q requires a group", ErrProtocol, e.Kind)
		}
	}
	return nil
}

// Continuation reports whether the kind only makes sense against an
// already existing session. Continuations with an unknown session id
// are late or duplicate traffic and are dropped with a warning.
func (k Kind) Continuation() bool {
	switch k {
	case KindCallAnswer, KindIceCandidate, KindGroupAnswer, KindDecline, KindEndCall:
		return true
	}
	return false
}
