// Package orch owns call and session state. Every local command,
// inbound envelope and async completion is serialized onto one event
// loop, so no two transitions on the same session ever race.
package orch

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("orchestrator closed")

const defaultQueueSize = 256

// Deps are the external collaborators, injected at construction.
// Process-wide lifecycle belongs to the embedding application.
type Deps struct {
	Self      domain.UserID
	Transport core.Transport
	Presence  core.Presence
	Media     core.Media
	Sink      core.EventSink
}

type Options struct {
	// RingTimeout bounds how long a private session rings before it
	// ends with reason no_answer. Zero disables the timer.
	RingTimeout time.Duration
	QueueSize   int
}

type Orchestrator struct {
	self      domain.UserID
	transport core.Transport
	presence  core.Presence
	media     core.Media
	sink      core.EventSink

	ringTimeout time.Duration

	queue chan func()
	done  chan struct{}
	once  sync.Once

	// Everything below is touched only from the event loop.
	sessions   map[string]*core.Session
	active     string // session id of the single active/ringing session
	ringTimers map[string]*time.Timer
	awaitMedia map[string][]func() // work parked until capture resolves
}

func New(d Deps, opts Options) *Orchestrator {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	o := &Orchestrator{
		self:        d.Self,
		transport:   d.Transport,
		presence:    d.Presence,
		media:       d.Media,
		sink:        d.Sink,
		ringTimeout: opts.RingTimeout,
		queue:       make(chan func(), size),
		done:        make(chan struct{}),
		sessions:    make(map[string]*core.Session),
		ringTimers:  make(map[string]*time.Timer),
		awaitMedia:  make(map[string][]func()),
	}
	go o.run()
	return o
}

func (o *Orchestrator) Self() domain.UserID { return o.self }

func (o *Orchestrator) run() {
	for {
		select {
		case <-o.done:
			return
		case fn := <-o.queue:
			fn()
		}
	}
}

// post enqueues work without waiting. Used for inbound envelopes, timer
// expiry and async completions. A full queue drops the work instead of
// blocking: the hub delivers from the sender's loop, and two loops
// blocked on each other's full queue would never drain.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.queue <- fn:
	case <-o.done:
	default:
		log.Warn().Str("module", "orch").Str("self", string(o.self)).Msg("event queue full, dropping")
	}
}

// do enqueues a command and waits for the loop to run it, so command
// rejections like ErrAlreadyInCall are synchronous and side-effect-free.
func (o *Orchestrator) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case o.queue <- func() { errc <- fn() }:
	case <-o.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-o.done:
		return ErrClosed
	}
}

// Close ends every session locally and stops the loop.
func (o *Orchestrator) Close() {
	o.once.Do(func() {
		_ = o.do(func() error {
			o.endAll(core.ReasonLocal, core.KindEndCall)
			return nil
		})
		close(o.done)
	})
}

// OnTransportLost is invoked by the transport adapter on channel loss.
// Every session ends; there is nobody left to signal.
func (o *Orchestrator) OnTransportLost() {
	o.post(func() {
		log.Warn().Str("module", "orch").Str("self", string(o.self)).Msg("transport lost, ending all sessions")
		o.endAll(core.ReasonTransportLost, "")
	})
}

func (o *Orchestrator) endAll(reason core.EndReason, notify core.Kind) {
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if s, ok := o.sessions[id]; ok {
			o.finishSession(s, reason, notify)
		}
	}
}

func (o *Orchestrator) emit(ev core.Event) {
	if o.sink != nil {
		o.sink.Notify(ev)
	}
}

// send pushes one envelope through the transport, retrying exactly once.
func (o *Orchestrator) send(env core.Envelope) error {
	err := o.transport.Send(env)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("module", "orch").Str("kind", string(env.Kind)).Str("to", env.To).Msg("send failed, retrying once")
	if err = o.transport.Send(env); err != nil {
		return errors.Join(core.ErrTransport, err)
	}
	return nil
}

// finishSession is the single teardown path. It closes every owned
// link, notifies each remote that was still live (one envelope per
// remote when notify is set), releases the capture exactly once and
// drops the session from the table. In-flight async results for the
// session resolve against a missing session and are discarded.
func (o *Orchestrator) finishSession(s *core.Session, reason core.EndReason, notify core.Kind) {
	live := s.End(reason)
	if notify != "" {
		for _, l := range live {
			env := core.Envelope{
				Kind:      notify,
				From:      o.self,
				To:        string(l.Remote),
				SessionID: s.ID,
				Seq:       l.NextSeq(),
			}
			if s.Kind == core.SessionGroup {
				env.Group = s.Group
			}
			if err := o.send(env); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("to", string(l.Remote)).Msg("teardown notification lost")
			}
		}
	}
	for _, l := range live {
		o.emit(core.Event{Type: core.EventRemoteLinkClosed, SessionID: s.ID, Remote: l.Remote, Reason: reason})
	}

	o.stopRingTimer(s.ID)
	delete(o.awaitMedia, s.ID)
	if h, ok := s.TakeCapture(); ok {
		o.media.Release(h)
	}
	if o.active == s.ID {
		o.active = ""
	}
	delete(o.sessions, s.ID)

	log.Info().Str("module", "orch").Str("session", s.ID).Str("reason", string(reason)).Msg("session ended")
	o.emit(core.Event{Type: core.EventSessionEnded, SessionID: s.ID, Reason: reason})
}

// failLink marks one leg failed. A private session dies with its sole
// link; a group session sheds the member and keeps going.
func (o *Orchestrator) failLink(s *core.Session, l *core.PeerLink) {
	l.Fail()
	if l.Neg != nil {
		l.Neg.Close()
	}
	if s.Kind == core.SessionPrivate {
		o.finishSession(s, core.ReasonFailed, core.KindEndCall)
		return
	}
	o.emit(core.Event{Type: core.EventRemoteLinkClosed, SessionID: s.ID, Remote: l.Remote, Reason: core.ReasonFailed})
	s.RemoveLink(l.Remote)
	if s.LinkCount() == 0 && !s.Established() {
		o.finishSession(s, core.ReasonFailed, "")
	}
}

func (o *Orchestrator) startRingTimer(s *core.Session) {
	if o.ringTimeout <= 0 {
		return
	}
	sid := s.ID
	o.ringTimers[sid] = time.AfterFunc(o.ringTimeout, func() {
		o.post(func() { o.ringExpired(sid) })
	})
}

func (o *Orchestrator) stopRingTimer(sid string) {
	if t, ok := o.ringTimers[sid]; ok {
		t.Stop()
		delete(o.ringTimers, sid)
	}
}

func (o *Orchestrator) ringExpired(sid string) {
	s, ok := o.sessions[sid]
	if !ok || s.State() != core.SessionRinging {
		return
	}
	log.Info().Str("module", "orch").Str("session", sid).Msg("ring timeout")
	o.finishSession(s, core.ReasonNoAnswer, core.KindEndCall)
}

// LinkInfo and SessionInfo are read-only views for APIs.
type LinkInfo struct {
	Remote domain.UserID  `json:"remote"`
	Role   core.Role      `json:"role"`
	State  core.LinkState `json:"state"`
}

type SessionInfo struct {
	ID    string            `json:"id"`
	Kind  core.SessionKind  `json:"kind"`
	Group domain.GroupID    `json:"group,omitempty"`
	State core.SessionState `json:"state"`
	Links []LinkInfo        `json:"links"`
}

// Sessions snapshots the session table through the loop.
func (o *Orchestrator) Sessions() []SessionInfo {
	var out []SessionInfo
	_ = o.do(func() error {
		for _, s := range o.sessions {
			info := SessionInfo{ID: s.ID, Kind: s.Kind, Group: s.Group, State: s.State()}
			for _, l := range s.Links() {
				info.Links = append(info.Links, LinkInfo{Remote: l.Remote, Role: l.Role, State: l.State()})
			}
			out = append(out, info)
		}
		return nil
	})
	return out
}
