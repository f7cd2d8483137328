package orch

import (
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StartPrivateCall begins a one-to-one call. A second call while any
// session is active is rejected with ErrAlreadyInCall and changes
// nothing: one capture per local user, private and group calls are
// mutually exclusive.
func (o *Orchestrator) StartPrivateCall(target domain.UserID) (string, error) {
	var sid string
	err := o.do(func() error {
		if o.active != "" {
			return core.ErrAlreadyInCall
		}
		if target == o.self || !o.presence.IsReachable(target) {
			return core.ErrUnreachable
		}

		sid = uuid.NewString()
		s := core.NewPrivateSession(sid, target, core.RoleCaller)
		o.sessions[sid] = s
		o.active = sid
		o.startRingTimer(s)

		log.Info().Str("module", "orch").Str("session", sid).Str("target", string(target)).Msg("private call started")
		o.acquireThen(s, func(s *core.Session) {
			if l, ok := s.SoleLink(); ok {
				o.sendOffer(s, l, core.KindCallOffer)
			}
		})
		return nil
	})
	return sid, err
}

// Answer accepts a ringing incoming private call.
func (o *Orchestrator) Answer(sessionID string) error {
	return o.do(func() error {
		s, ok := o.sessions[sessionID]
		if !ok {
			return core.ErrNoSuchSession
		}
		if s.Kind != core.SessionPrivate || s.State() != core.SessionRinging {
			return core.ErrBadState
		}
		l, ok := s.SoleLink()
		if !ok || l.Role != core.RoleCallee || l.State() != core.LinkOfferReceived {
			return core.ErrBadState
		}
		o.answerSession(s, l)
		return nil
	})
}

// Decline rejects a ringing incoming private call. The caller gets one
// decline envelope and the session ends on both sides.
func (o *Orchestrator) Decline(sessionID string) error {
	return o.do(func() error {
		s, ok := o.sessions[sessionID]
		if !ok {
			return core.ErrNoSuchSession
		}
		if s.Kind != core.SessionPrivate || s.State() != core.SessionRinging {
			return core.ErrBadState
		}
		o.finishSession(s, core.ReasonDeclined, core.KindDecline)
		return nil
	})
}

// EndCall tears a session down, notifying every remote that still had a
// live link with one end_call envelope each.
func (o *Orchestrator) EndCall(sessionID string) error {
	return o.do(func() error {
		s, ok := o.sessions[sessionID]
		if !ok {
			return core.ErrNoSuchSession
		}
		o.finishSession(s, core.ReasonLocal, core.KindEndCall)
		return nil
	})
}

// ReplaceVideo swaps the outgoing video source of a session. The
// capture is shared by every link, so the swap is visible on each
// connected leg; links that are closed or failed are unaffected. Call
// state does not change.
func (o *Orchestrator) ReplaceVideo(sessionID, source string) error {
	return o.do(func() error {
		s, ok := o.sessions[sessionID]
		if !ok {
			return core.ErrNoSuchSession
		}
		connected := false
		for _, l := range s.Links() {
			if l.State() == core.LinkConnected {
				connected = true
				break
			}
		}
		if !connected || s.Capture() == nil {
			return nil
		}
		return o.media.ReplaceOutgoingVideo(s.Capture(), source)
	})
}

// acceptPrivateOffer creates the callee-side session for an inbound
// call offer. When auto is set (glare loser) the offer is answered
// without prompting; otherwise the UI gets an incoming_call event and
// must answer or decline explicitly.
func (o *Orchestrator) acceptPrivateOffer(env core.Envelope, auto bool) {
	s := core.NewPrivateSession(env.SessionID, env.From, core.RoleCallee)
	l, _ := s.SoleLink()
	if err := l.MarkOfferReceived(env.Payload); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("dropping offer")
		return
	}
	l.MarkApplied(env.Kind, env.Seq)
	o.sessions[s.ID] = s
	o.active = s.ID

	if auto {
		o.answerSession(s, l)
		return
	}
	o.startRingTimer(s)
	o.emit(core.Event{Type: core.EventIncomingCall, SessionID: s.ID, From: env.From})
}

func (o *Orchestrator) answerSession(s *core.Session, l *core.PeerLink) {
	o.stopRingTimer(s.ID)
	o.acquireThen(s, func(s *core.Session) {
		o.sendAnswer(s, l, core.KindCallAnswer)
	})
}
