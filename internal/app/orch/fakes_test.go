package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

// meshTransport wires several orchestrators together in-process, with
// the same routing the hub does: group joins fan out to the group's
// members, everything else goes straight to its recipient. All sends
// are recorded for assertions.
type meshTransport struct {
	presence *fakePresence

	mu       sync.Mutex
	peers    map[domain.UserID]*Orchestrator
	sent     []core.Envelope
	failNext int // fail this many Send attempts, then recover
}

func newMeshTransport(p *fakePresence) *meshTransport {
	return &meshTransport{presence: p, peers: make(map[domain.UserID]*Orchestrator)}
}

func (t *meshTransport) attach(o *Orchestrator) {
	t.mu.Lock()
	t.peers[o.Self()] = o
	t.mu.Unlock()
}

func (t *meshTransport) Send(env core.Envelope) error {
	t.mu.Lock()
	if t.failNext > 0 {
		t.failNext--
		t.mu.Unlock()
		return errors.New("wire down")
	}
	t.sent = append(t.sent, env)
	var targets []*Orchestrator
	if env.Kind == core.KindGroupJoin {
		for _, m := range t.presence.MembersOf(env.Group) {
			if m == env.From {
				continue
			}
			if o, ok := t.peers[m]; ok {
				targets = append(targets, o)
			}
		}
	} else if o, ok := t.peers[domain.UserID(env.To)]; ok {
		targets = append(targets, o)
	}
	t.mu.Unlock()

	for _, o := range targets {
		o.HandleEnvelope(env)
	}
	return nil
}

func (t *meshTransport) byKind(kind core.Kind) []core.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []core.Envelope
	for _, env := range t.sent {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

type fakePresence struct {
	mu        sync.Mutex
	reachable map[domain.UserID]bool
	groups    map[domain.GroupID][]domain.UserID
}

func newFakePresence(users ...domain.UserID) *fakePresence {
	p := &fakePresence{
		reachable: make(map[domain.UserID]bool),
		groups:    make(map[domain.GroupID][]domain.UserID),
	}
	for _, u := range users {
		p.reachable[u] = true
	}
	return p
}

func (p *fakePresence) setGroup(g domain.GroupID, members ...domain.UserID) {
	p.mu.Lock()
	p.groups[g] = members
	p.mu.Unlock()
}

func (p *fakePresence) MembersOf(g domain.GroupID) []domain.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.UserID(nil), p.groups[g]...)
}

func (p *fakePresence) IsReachable(u domain.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable[u]
}

type fakeHandle struct{ id string }

func (h *fakeHandle) ID() string { return h.id }

type fakeMedia struct {
	mu          sync.Mutex
	acquireErr  error
	applyErrFor domain.UserID // negotiators toward this remote reject the answer
	acquired    int
	released    int
	negotiators []*fakeNegotiator
	replaced    []string
}

func (m *fakeMedia) failApplyFrom(remote domain.UserID) {
	m.mu.Lock()
	m.applyErrFor = remote
	m.mu.Unlock()
}

func (m *fakeMedia) Acquire(ctx context.Context, c core.Constraints) (core.MediaHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.acquired++
	return &fakeHandle{id: "capture"}, nil
}

func (m *fakeMedia) Release(h core.MediaHandle) {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

func (m *fakeMedia) ReplaceOutgoingVideo(h core.MediaHandle, source string) error {
	m.mu.Lock()
	m.replaced = append(m.replaced, source)
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) NewNegotiator(h core.MediaHandle, remote domain.UserID) (core.Negotiator, error) {
	n := &fakeNegotiator{remote: remote}
	m.mu.Lock()
	if m.applyErrFor != "" && m.applyErrFor == remote {
		n.applyErr = errors.New("remote description rejected")
	}
	m.negotiators = append(m.negotiators, n)
	m.mu.Unlock()
	return n, nil
}

func (m *fakeMedia) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

func (m *fakeMedia) negotiatorFor(remote domain.UserID) *fakeNegotiator {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.negotiators) - 1; i >= 0; i-- {
		if m.negotiators[i].remote == remote {
			return m.negotiators[i]
		}
	}
	return nil
}

type fakeNegotiator struct {
	remote   domain.UserID
	applyErr error

	mu         sync.Mutex
	applied    int
	candidates []json.RawMessage
	closed     bool
	onCand     func(json.RawMessage)
}

func (n *fakeNegotiator) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer"}`), nil
}

func (n *fakeNegotiator) CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	if len(offer) == 0 {
		return nil, errors.New("no offer to answer")
	}
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (n *fakeNegotiator) ApplyAnswer(ctx context.Context, answer json.RawMessage) error {
	if n.applyErr != nil {
		return n.applyErr
	}
	n.mu.Lock()
	n.applied++
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) AddCandidate(cand json.RawMessage) error {
	n.mu.Lock()
	n.candidates = append(n.candidates, cand)
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) OnCandidate(fn func(json.RawMessage)) {
	n.mu.Lock()
	n.onCand = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

func (n *fakeNegotiator) appliedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applied
}

func (n *fakeNegotiator) candidateCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.candidates)
}

// emitLocalCandidate fires the gathered-candidate callback like the
// real negotiator would, from an arbitrary goroutine.
func (n *fakeNegotiator) emitLocalCandidate(cand json.RawMessage) {
	n.mu.Lock()
	fn := n.onCand
	n.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

type chanSink struct {
	ch chan core.Event
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan core.Event, 128)}
}

func (s *chanSink) Notify(ev core.Event) {
	select {
	case s.ch <- ev:
	default:
	}
}

// wait consumes events until one of the wanted type arrives.
func (s *chanSink) wait(t *testing.T, typ core.EventType) core.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", typ)
			return core.Event{}
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type party struct {
	orch  *Orchestrator
	media *fakeMedia
	sink  *chanSink
}

func newParty(t *testing.T, self domain.UserID, tr *meshTransport, p *fakePresence, opts Options) *party {
	t.Helper()
	media := &fakeMedia{}
	sink := newChanSink()
	o := New(Deps{Self: self, Transport: tr, Presence: p, Media: media, Sink: sink}, opts)
	tr.attach(o)
	t.Cleanup(o.Close)
	return &party{orch: o, media: media, sink: sink}
}

// connectedLinks counts links in connected state across all sessions.
func (p *party) connectedLinks() int {
	n := 0
	for _, s := range p.orch.Sessions() {
		for _, l := range s.Links {
			if l.State == core.LinkConnected {
				n++
			}
		}
	}
	return n
}
