package orch

import (
	"context"

	"github.com/dkeye/Ring/internal/core"
	"github.com/rs/zerolog/log"
)

// HandleEnvelope is the single entry point for inbound signaling
// traffic. Delivery is fire-and-forget; malformed or stale traffic is
// dropped with a warning, never surfaced as an error.
func (o *Orchestrator) HandleEnvelope(env core.Envelope) {
	o.post(func() { o.dispatch(env) })
}

func (o *Orchestrator) dispatch(env core.Envelope) {
	if err := env.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("malformed envelope dropped")
		return
	}
	if env.From == o.self {
		log.Warn().Str("module", "orch").Str("kind", string(env.Kind)).Msg("loopback envelope dropped")
		return
	}
	switch env.Kind {
	case core.KindCallOffer:
		o.onCallOffer(env)
	case core.KindCallAnswer, core.KindGroupAnswer:
		o.onAnswer(env)
	case core.KindIceCandidate:
		o.onCandidate(env)
	case core.KindDecline:
		o.onDecline(env)
	case core.KindEndCall:
		o.onEndCall(env)
	case core.KindGroupJoin:
		o.onGroupJoin(env)
	case core.KindGroupOffer:
		o.onGroupOffer(env)
	}
}

// onCallOffer handles a fresh incoming private call. Glare (both sides
// dialing each other at once) resolves by a deterministic tie-break:
// the lexicographically smaller user id is the accepted caller, the
// other side abandons its own offer and answers as callee. Both ends
// re-derive the same outcome regardless of delivery order.
func (o *Orchestrator) onCallOffer(env core.Envelope) {
	if _, ok := o.sessions[env.SessionID]; ok {
		log.Warn().Str("module", "orch").Str("session", env.SessionID).Msg("duplicate call offer ignored")
		return
	}
	if o.active != "" {
		s := o.sessions[o.active]
		if s != nil && o.isGlare(s, env) {
			if o.self < env.From {
				log.Info().Str("module", "orch").Str("peer", string(env.From)).Msg("glare: local offer wins, remote offer dropped")
				return
			}
			log.Info().Str("module", "orch").Str("peer", string(env.From)).Msg("glare: local offer superseded, answering as callee")
			o.finishSession(s, core.ReasonSuperseded, "")
			o.acceptPrivateOffer(env, true)
			return
		}
		o.declineBusy(env)
		return
	}
	o.acceptPrivateOffer(env, false)
}

// isGlare reports a pending outbound offer to the very peer now
// calling us.
func (o *Orchestrator) isGlare(s *core.Session, env core.Envelope) bool {
	if s.Kind != core.SessionPrivate || s.State() != core.SessionRinging {
		return false
	}
	l, ok := s.SoleLink()
	return ok && l.Role == core.RoleCaller && l.Remote == env.From
}

// declineBusy rejects an offer that arrived while another call owns
// the capture. Nothing is surfaced to the UI.
func (o *Orchestrator) declineBusy(env core.Envelope) {
	log.Info().Str("module", "orch").Str("from", string(env.From)).Str("session", env.SessionID).Msg("busy, declining offer")
	reply := core.Envelope{
		Kind:      core.KindDecline,
		From:      o.self,
		To:        string(env.From),
		SessionID: env.SessionID,
	}
	if err := o.send(reply); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("busy decline lost")
	}
}

// onAnswer applies a received answer (private or group) to the offering
// link. Redelivered answers are no-ops via the per-link seq dedup.
func (o *Orchestrator) onAnswer(env core.Envelope) {
	_, l := o.routedLink(env)
	if l == nil {
		return
	}
	if l.Duplicate(env.Kind, env.Seq) {
		log.Warn().Str("module", "orch").Str("from", string(env.From)).Msg("duplicate answer ignored")
		return
	}
	if l.Busy() {
		l.Defer(env)
		return
	}
	if l.State() != core.LinkOfferSent {
		log.Warn().Str("module", "orch").Str("state", string(l.State())).Msg("answer out of order dropped")
		return
	}
	if l.Neg == nil {
		log.Warn().Str("module", "orch").Str("from", string(env.From)).Msg("answer without negotiator dropped")
		return
	}
	l.MarkApplied(env.Kind, env.Seq)
	if err := l.MarkAnswerPending(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("answer rejected")
		return
	}
	sid := env.SessionID
	remote := env.From
	neg := l.Neg
	payload := env.Payload
	l.SetBusy(true)
	go func() {
		err := neg.ApplyAnswer(context.Background(), payload)
		o.post(func() { o.answerApplied(sid, remote, err) })
	}()
}

// onCandidate routes one remote candidate to its link: buffered until
// the description is in place, then applied in arrival order.
func (o *Orchestrator) onCandidate(env core.Envelope) {
	_, l := o.routedLink(env)
	if l == nil {
		return
	}
	if l.Duplicate(env.Kind, env.Seq) {
		log.Warn().Str("module", "orch").Str("from", string(env.From)).Msg("duplicate candidate ignored")
		return
	}
	if l.Busy() {
		l.Defer(env)
		return
	}
	l.MarkApplied(env.Kind, env.Seq)
	applyNow, dropped := l.TakeCandidate(env.Payload)
	if dropped {
		log.Warn().Str("module", "orch").Str("from", string(env.From)).Msg("candidate for closed link dropped")
		return
	}
	if applyNow && l.Neg != nil {
		if err := l.Neg.AddCandidate(env.Payload); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("from", string(env.From)).Msg("candidate rejected")
		}
	}
}

// onDecline ends a ringing private call. A decline racing a completed
// answer loses: the session is already active and the event is dropped.
func (o *Orchestrator) onDecline(env core.Envelope) {
	s, ok := o.sessions[env.SessionID]
	if !ok {
		log.Warn().Str("module", "orch").Str("session", env.SessionID).Msg("decline for unknown session dropped")
		return
	}
	if s.Kind != core.SessionPrivate || s.State() != core.SessionRinging {
		log.Warn().Str("module", "orch").Str("session", env.SessionID).Msg("late decline dropped")
		return
	}
	o.emit(core.Event{Type: core.EventCallDeclined, SessionID: s.ID})
	o.finishSession(s, core.ReasonDeclined, "")
}

// onEndCall tears down a private session, or sheds one member from a
// group session: a group survives remote hangups as long as the local
// side keeps its capture.
func (o *Orchestrator) onEndCall(env core.Envelope) {
	s, ok := o.sessions[env.SessionID]
	if !ok {
		log.Warn().Str("module", "orch").Str("session", env.SessionID).Msg("end for unknown session dropped")
		return
	}
	if s.Kind == core.SessionGroup {
		if _, ok := s.Link(env.From); !ok {
			log.Warn().Str("module", "orch").Str("from", string(env.From)).Msg("end for unknown group link dropped")
			return
		}
		s.RemoveLink(env.From)
		o.emit(core.Event{Type: core.EventRemoteLinkClosed, SessionID: s.ID, Remote: env.From, Reason: core.ReasonRemote})
		if s.LinkCount() == 0 && !s.Established() {
			o.finishSession(s, core.ReasonRemote, "")
		}
		return
	}
	o.finishSession(s, core.ReasonRemote, "")
}

// routedLink resolves a continuation envelope to its link. Unknown
// session or remote means late, duplicate or post-teardown traffic.
func (o *Orchestrator) routedLink(env core.Envelope) (*core.Session, *core.PeerLink) {
	s, ok := o.sessions[env.SessionID]
	if !ok {
		log.Warn().Str("module", "orch").Str("kind", string(env.Kind)).Str("session", env.SessionID).Msg("continuation for unknown session dropped")
		return nil, nil
	}
	l, ok := s.Link(env.From)
	if !ok {
		log.Warn().Str("module", "orch").Str("kind", string(env.Kind)).Str("from", string(env.From)).Msg("continuation for unknown link dropped")
		return nil, nil
	}
	if l.Terminal() {
		log.Warn().Str("module", "orch").Str("kind", string(env.Kind)).Str("from", string(env.From)).Msg("event after close dropped")
		return nil, nil
	}
	return s, l
}
