package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Ring/internal/domain"
)

// LinkState tracks one negotiated leg to one remote participant.
//
//	New -> (OfferSent | OfferReceived) -> AnswerPending -> Connected -> Closed
//
// Failed is terminal and reachable from any non-terminal state.
type LinkState string

const (
	LinkNew           LinkState = "new"
	LinkOfferSent     LinkState = "offer_sent"
	LinkOfferReceived LinkState = "offer_received"
	LinkAnswerPending LinkState = "answer_pending"
	LinkConnected     LinkState = "connected"
	LinkClosed        LinkState = "closed"
	LinkFailed        LinkState = "failed"
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// PeerLink is the state machine for exactly one leg. It holds no
// transport or media resources itself; the negotiator attached to it is
// owned by the session teardown path.
//
// Candidates received before the matching description is applied are
// buffered in arrival order and drained exactly once on entering
// Connected. A link sends or receives one initial offer per lifetime,
// never both.
type PeerLink struct {
	Remote domain.UserID
	Role   Role
	Neg    Negotiator

	state       LinkState
	offerDone   bool
	remoteOffer json.RawMessage

	pending []json.RawMessage // buffered remote candidates, arrival order

	applied map[Kind]uint64 // highest applied inbound seq per kind
	nextSeq uint64          // outbound counter

	busy     bool       // an async negotiation step is outstanding
	deferred []Envelope // envelopes queued while busy, replayed in order
}

func NewPeerLink(remote domain.UserID, role Role) *PeerLink {
	return &PeerLink{
		Remote:  remote,
		Role:    role,
		state:   LinkNew,
		applied: make(map[Kind]uint64),
	}
}

func (l *PeerLink) State() LinkState { return l.state }

func (l *PeerLink) Terminal() bool {
	return l.state == LinkClosed || l.state == LinkFailed
}

func (l *PeerLink) MarkOfferSent() error {
	if l.state != LinkNew || l.offerDone {
		return fmt.Errorf("%w: offer sent in state %s", ErrProtocol, l.state)
	}
	l.state = LinkOfferSent
	l.offerDone = true
	return nil
}

func (l *PeerLink) MarkOfferReceived(offer json.RawMessage) error {
	if l.state != LinkNew || l.offerDone {
		return fmt.Errorf("%w: offer received in state %s", ErrProtocol, l.state)
	}
	l.state = LinkOfferReceived
	l.offerDone = true
	l.remoteOffer = offer
	return nil
}

// RemoteOffer returns the blob stored by MarkOfferReceived; the callee
// answers against it.
func (l *PeerLink) RemoteOffer() json.RawMessage { return l.remoteOffer }

// MarkAnswerPending enters the answering phase: the caller applies the
// received answer, the callee produces its own.
func (l *PeerLink) MarkAnswerPending() error {
	if l.state != LinkOfferSent && l.state != LinkOfferReceived {
		return fmt.Errorf("%w: answer in state %s", ErrProtocol, l.state)
	}
	l.state = LinkAnswerPending
	return nil
}

// MarkConnected completes negotiation and drains the candidate buffer.
// The returned candidates must be applied in order before any candidate
// that arrives later.
func (l *PeerLink) MarkConnected() ([]json.RawMessage, error) {
	if l.state != LinkAnswerPending {
		return nil, fmt.Errorf("%w: connect in state %s", ErrProtocol, l.state)
	}
	l.state = LinkConnected
	drained := l.pending
	l.pending = nil
	return drained, nil
}

func (l *PeerLink) Fail() {
	if !l.Terminal() {
		l.state = LinkFailed
	}
}

func (l *PeerLink) Close() {
	if !l.Terminal() {
		l.state = LinkClosed
	}
}

// TakeCandidate routes one remote candidate: buffered before the
// description is in place, applied immediately once Connected, dropped
// on terminal links. dropped is reported so the caller can log it.
func (l *PeerLink) TakeCandidate(cand json.RawMessage) (applyNow, dropped bool) {
	switch l.state {
	case LinkClosed, LinkFailed:
		return false, true
	case LinkConnected:
		return true, false
	default:
		l.pending = append(l.pending, cand)
		return false, false
	}
}

// PendingCount is used by tests and the sessions snapshot.
func (l *PeerLink) PendingCount() int { return len(l.pending) }

// Duplicate reports whether an inbound envelope was already applied.
// Seq zero opts out of dedup (sender without a counter).
func (l *PeerLink) Duplicate(kind Kind, seq uint64) bool {
	if seq == 0 {
		return false
	}
	return seq <= l.applied[kind]
}

func (l *PeerLink) MarkApplied(kind Kind, seq uint64) {
	if seq > l.applied[kind] {
		l.applied[kind] = seq
	}
}

// NextSeq hands out the outbound monotonic counter for this link.
func (l *PeerLink) NextSeq() uint64 {
	l.nextSeq++
	return l.nextSeq
}

// Busy marks that an async negotiation step for this link is in flight.
// Envelopes for a busy link are deferred and replayed in order once the
// step resolves; other links are unaffected.
func (l *PeerLink) Busy() bool        { return l.busy }
func (l *PeerLink) SetBusy(busy bool) { l.busy = busy }

func (l *PeerLink) Defer(env Envelope) {
	l.deferred = append(l.deferred, env)
}

func (l *PeerLink) TakeDeferred() []Envelope {
	d := l.deferred
	l.deferred = nil
	return d
}
