package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/rs/zerolog/log"
)

// The three suspension points of the core live here: capture
// acquisition, local description creation and remote description
// application. Each runs off the loop and posts its result back; the
// affected link defers further events until the result lands, while
// unrelated links keep moving.

// acquireThen runs fn once the session has its capture. The first
// caller starts the acquisition; everyone else parks behind it.
func (o *Orchestrator) acquireThen(s *core.Session, fn func(*core.Session)) {
	if s.Capture() != nil {
		fn(s)
		return
	}
	sid := s.ID
	_, inflight := o.awaitMedia[sid]
	o.awaitMedia[sid] = append(o.awaitMedia[sid], func() {
		if cur, ok := o.sessions[sid]; ok && !cur.Ended() {
			fn(cur)
		}
	})
	if inflight {
		return
	}
	go func() {
		h, err := o.media.Acquire(context.Background(), core.Constraints{Audio: true, Video: true})
		o.post(func() { o.acquireDone(sid, h, err) })
	}()
}

// acquireDone resolves a capture request. A session torn down in the
// meantime Releases the handle and drops the result.
func (o *Orchestrator) acquireDone(sid string, h core.MediaHandle, err error) {
	s, ok := o.sessions[sid]
	if !ok || s.Ended() {
		if h != nil {
			o.media.Release(h)
		}
		log.Warn().Str("module", "orch").Str("session", sid).Msg("capture resolved after teardown, discarded")
		return
	}
	queued := o.awaitMedia[sid]
	delete(o.awaitMedia, sid)

	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("session", sid).Msg("capture failed, aborting before any envelope")
		o.emit(core.Event{Type: core.EventMediaFailed, SessionID: sid})
		o.finishSession(s, core.ReasonFailed, "")
		return
	}
	s.SetCapture(h)
	for _, fn := range queued {
		fn()
	}
}

// sendOffer drives one caller link from New to OfferSent: create the
// negotiator, create the local offer off the loop, send it.
func (o *Orchestrator) sendOffer(s *core.Session, l *core.PeerLink, kind core.Kind) {
	neg, err := o.media.NewNegotiator(s.Capture(), l.Remote)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("remote", string(l.Remote)).Msg("negotiator unavailable")
		o.failLink(s, l)
		return
	}
	l.Neg = neg
	o.bindCandidates(s.ID, l)

	sid := s.ID
	remote := l.Remote
	l.SetBusy(true)
	go func() {
		offer, err := neg.CreateOffer(context.Background())
		o.post(func() { o.offerReady(sid, remote, kind, offer, err) })
	}()
}

func (o *Orchestrator) offerReady(sid string, remote domain.UserID, kind core.Kind, offer json.RawMessage, err error) {
	s, l := o.liveLink(sid, remote, "offer")
	if l == nil {
		return
	}
	l.SetBusy(false)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("remote", string(remote)).Msg("offer creation failed")
		o.failLink(s, l)
		return
	}
	if err := l.MarkOfferSent(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("offer dropped")
		return
	}
	env := core.Envelope{
		Kind:      kind,
		From:      o.self,
		To:        string(remote),
		SessionID: sid,
		Seq:       l.NextSeq(),
		Payload:   offer,
	}
	if s.Kind == core.SessionGroup {
		env.Group = s.Group
	}
	if err := o.send(env); err != nil {
		o.failLink(s, l)
		return
	}
	o.replayDeferred(s, l)
}

// sendAnswer drives one callee link: apply the stored remote offer,
// produce the answer off the loop, send it and connect.
func (o *Orchestrator) sendAnswer(s *core.Session, l *core.PeerLink, kind core.Kind) {
	neg, err := o.media.NewNegotiator(s.Capture(), l.Remote)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("remote", string(l.Remote)).Msg("negotiator unavailable")
		o.failLink(s, l)
		return
	}
	l.Neg = neg
	o.bindCandidates(s.ID, l)

	if err := l.MarkAnswerPending(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("answer dropped")
		return
	}
	sid := s.ID
	remote := l.Remote
	offer := l.RemoteOffer()
	l.SetBusy(true)
	go func() {
		answer, err := neg.CreateAnswer(context.Background(), offer)
		o.post(func() { o.answerReady(sid, remote, kind, answer, err) })
	}()
}

func (o *Orchestrator) answerReady(sid string, remote domain.UserID, kind core.Kind, answer json.RawMessage, err error) {
	s, l := o.liveLink(sid, remote, "answer")
	if l == nil {
		return
	}
	l.SetBusy(false)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("remote", string(remote)).Msg("answer creation failed")
		o.failLink(s, l)
		return
	}
	env := core.Envelope{
		Kind:      kind,
		From:      o.self,
		To:        string(remote),
		SessionID: sid,
		Seq:       l.NextSeq(),
		Payload:   answer,
	}
	if s.Kind == core.SessionGroup {
		env.Group = s.Group
	}
	if err := o.send(env); err != nil {
		o.failLink(s, l)
		return
	}
	o.connectLink(s, l)
	o.replayDeferred(s, l)
}

// answerApplied resolves the caller-side application of a received
// answer; the link is connected once the remote description took.
func (o *Orchestrator) answerApplied(sid string, remote domain.UserID, err error) {
	s, l := o.liveLink(sid, remote, "answer apply")
	if l == nil {
		return
	}
	l.SetBusy(false)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("remote", string(remote)).Msg("applying answer failed")
		o.failLink(s, l)
		return
	}
	o.connectLink(s, l)
	if s.Kind == core.SessionPrivate {
		o.emit(core.Event{Type: core.EventCallAccepted, SessionID: sid})
	}
	o.replayDeferred(s, l)
}

// connectLink finishes negotiation: drain buffered candidates in
// arrival order, then surface the connected leg.
func (o *Orchestrator) connectLink(s *core.Session, l *core.PeerLink) {
	drained, err := l.MarkConnected()
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("connect rejected")
		return
	}
	for _, cand := range drained {
		if err := l.Neg.AddCandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("remote", string(l.Remote)).Msg("buffered candidate rejected")
		}
	}
	s.MarkActive()
	s.MarkEstablished()
	o.stopRingTimer(s.ID)
	log.Info().Str("module", "orch").Str("session", s.ID).Str("remote", string(l.Remote)).Msg("link connected")
	o.emit(core.Event{Type: core.EventRemoteLinkConnected, SessionID: s.ID, Remote: l.Remote})
}

// bindCandidates forwards locally gathered candidates to the remote of
// one link. The negotiator may fire from any goroutine, so the work is
// posted onto the loop; a link torn down in the meantime swallows them.
func (o *Orchestrator) bindCandidates(sid string, l *core.PeerLink) {
	remote := l.Remote
	l.Neg.OnCandidate(func(cand json.RawMessage) {
		o.post(func() {
			s, ok := o.sessions[sid]
			if !ok || s.Ended() {
				return
			}
			cur, ok := s.Link(remote)
			if !ok || cur.Terminal() {
				return
			}
			env := core.Envelope{
				Kind:      core.KindIceCandidate,
				From:      o.self,
				To:        string(remote),
				SessionID: sid,
				Seq:       cur.NextSeq(),
				Payload:   cand,
			}
			if err := o.send(env); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("remote", string(remote)).Msg("candidate lost")
			}
		})
	})
}

// replayDeferred re-dispatches envelopes queued while the link was
// busy, preserving arrival order. A replayed envelope may start the
// next async step; the remainder re-defers behind it.
func (o *Orchestrator) replayDeferred(s *core.Session, l *core.PeerLink) {
	deferred := l.TakeDeferred()
	for i, env := range deferred {
		if l.Busy() || l.Terminal() {
			for _, rest := range deferred[i:] {
				l.Defer(rest)
			}
			return
		}
		o.dispatch(env)
	}
}

// liveLink resolves an async result against the current tables. A nil
// link means the session or leg is gone and the result is dropped.
func (o *Orchestrator) liveLink(sid string, remote domain.UserID, what string) (*core.Session, *core.PeerLink) {
	s, ok := o.sessions[sid]
	if !ok || s.Ended() {
		log.Warn().Str("module", "orch").Str("session", sid).Str("step", what).Msg("result after teardown, discarded")
		return nil, nil
	}
	l, ok := s.Link(remote)
	if !ok || l.Terminal() {
		log.Warn().Str("module", "orch").Str("session", sid).Str("remote", string(remote)).Str("step", what).Msg("result for dead link, discarded")
		return nil, nil
	}
	return s, l
}
