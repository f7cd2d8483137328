package core

import (
	"fmt"
	"sort"

	"github.com/dkeye/Ring/internal/domain"
)

type SessionKind string

const (
	SessionPrivate SessionKind = "private"
	SessionGroup   SessionKind = "group"
)

type SessionState string

const (
	SessionRinging SessionState = "ringing"
	SessionActive  SessionState = "active"
	SessionEnded   SessionState = "ended"
)

// Session groups the peer links of one call identity. A private session
// has exactly one link; a group session has one link per joined remote
// member, mesh topology, added incrementally. The session owns its
// links exclusively: ending the session closes all of them.
type Session struct {
	ID    string
	Kind  SessionKind
	Group domain.GroupID

	state  SessionState
	reason EndReason

	links map[domain.UserID]*PeerLink

	capture         MediaHandle
	captureReleased bool

	established bool // at least one link ever reached Connected
}

// NewPrivateSession starts a one-to-one call leg. Both the caller and
// the callee sides ring until answered, declined or timed out.
func NewPrivateSession(id string, remote domain.UserID, role Role) *Session {
	s := &Session{
		ID:    id,
		Kind:  SessionPrivate,
		state: SessionRinging,
		links: make(map[domain.UserID]*PeerLink),
	}
	s.links[remote] = NewPeerLink(remote, role)
	return s
}

// NewGroupSession starts a group call. There is no ringing phase:
// joiners get offers and choose whether to respond.
func NewGroupSession(id string, group domain.GroupID) *Session {
	return &Session{
		ID:    id,
		Kind:  SessionGroup,
		Group: group,
		state: SessionActive,
		links: make(map[domain.UserID]*PeerLink),
	}
}

func (s *Session) State() SessionState { return s.state }
func (s *Session) Reason() EndReason   { return s.reason }
func (s *Session) Ended() bool         { return s.state == SessionEnded }

// MarkActive moves a ringing private session to active once its sole
// link completed negotiation.
func (s *Session) MarkActive() {
	if s.state == SessionRinging {
		s.state = SessionActive
	}
}

func (s *Session) MarkEstablished() { s.established = true }
func (s *Session) Established() bool { return s.established }

func (s *Session) Link(remote domain.UserID) (*PeerLink, bool) {
	l, ok := s.links[remote]
	return l, ok
}

func (s *Session) AddLink(l *PeerLink) error {
	if _, dup := s.links[l.Remote]; dup {
		return fmt.Errorf("%w: duplicate link for %s", ErrProtocol, l.Remote)
	}
	s.links[l.Remote] = l
	return nil
}

// RemoveLink drops one remote from the session without ending it; the
// group partial-failure path. The link is closed if it was not already
// terminal.
func (s *Session) RemoveLink(remote domain.UserID) {
	if l, ok := s.links[remote]; ok {
		l.Close()
		if l.Neg != nil {
			l.Neg.Close()
		}
		delete(s.links, remote)
	}
}

// Links returns the links ordered by remote id, so fan-out and teardown
// are deterministic.
func (s *Session) Links() []*PeerLink {
	out := make([]*PeerLink, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

func (s *Session) LinkCount() int { return len(s.links) }

// SoleLink is the single leg of a private session.
func (s *Session) SoleLink() (*PeerLink, bool) {
	if s.Kind != SessionPrivate {
		return nil, false
	}
	for _, l := range s.links {
		return l, true
	}
	return nil, false
}

func (s *Session) SetCapture(h MediaHandle) { s.capture = h }
func (s *Session) Capture() MediaHandle     { return s.capture }

// TakeCapture hands out the capture for release exactly once.
func (s *Session) TakeCapture() (MediaHandle, bool) {
	if s.capture == nil || s.captureReleased {
		return nil, false
	}
	s.captureReleased = true
	return s.capture, true
}

// End closes every owned link and returns the ones that were still
// live, in remote order; the orchestrator notifies exactly those
// remotes. Idempotent: a second End returns nothing.
func (s *Session) End(reason EndReason) []*PeerLink {
	if s.state == SessionEnded {
		return nil
	}
	s.state = SessionEnded
	s.reason = reason

	live := make([]*PeerLink, 0, len(s.links))
	for _, l := range s.Links() {
		if !l.Terminal() {
			live = append(live, l)
		}
		l.Close()
		if l.Neg != nil {
			l.Neg.Close()
		}
	}
	return live
}
