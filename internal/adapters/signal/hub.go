// Package signal is the transport adapter: it owns the WebSocket
// endpoints of connected users and routes signaling envelopes between
// their orchestrators. The orchestrator itself stays transport-agnostic
// behind core.Transport.
package signal

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/Ring/internal/app/orch"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("peer not connected")

type peerEntry struct {
	conn *wsConn
	orch *orch.Orchestrator
}

// Hub implements core.Transport. Envelopes addressed to a user go to
// that user's orchestrator; a group_join addressed to a group fans out
// to every present member except the sender.
type Hub struct {
	presence core.Presence

	mu    sync.RWMutex
	peers map[domain.UserID]*peerEntry
}

func NewHub(presence core.Presence) *Hub {
	return &Hub{
		presence: presence,
		peers:    make(map[domain.UserID]*peerEntry),
	}
}

func (h *Hub) Register(id domain.UserID, conn *wsConn, o *orch.Orchestrator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[id] = &peerEntry{conn: conn, orch: o}
	log.Info().Str("module", "signal").Str("user", string(id)).Msg("peer registered")
}

// Unregister removes the peer entry, but only while it still belongs
// to the closing connection; a reconnect may have replaced it already.
// Reports whether the entry was removed.
func (h *Hub) Unregister(id domain.UserID, conn *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.peers[id]
	if !ok || e.conn != conn {
		log.Info().Str("module", "signal").Str("user", string(id)).Msg("stale unregister ignored")
		return false
	}
	delete(h.peers, id)
	log.Info().Str("module", "signal").Str("user", string(id)).Msg("peer unregistered")
	return true
}

func (h *Hub) Orchestrator(id domain.UserID) (*orch.Orchestrator, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.peers[id]
	if !ok {
		return nil, false
	}
	return e.orch, true
}

// Send implements core.Transport.
func (h *Hub) Send(env core.Envelope) error {
	if env.Kind == core.KindGroupJoin {
		for _, m := range h.presence.MembersOf(domain.GroupID(env.To)) {
			if m == env.From {
				continue
			}
			if err := h.deliver(m, env); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("to", string(m)).Msg("group join fan-out skipped member")
			}
		}
		return nil
	}
	return h.deliver(domain.UserID(env.To), env)
}

func (h *Hub) deliver(to domain.UserID, env core.Envelope) error {
	h.mu.RLock()
	e, ok := h.peers[to]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	e.orch.HandleEnvelope(env)
	return nil
}

// eventSink pushes orchestrator events down one user's socket.
type eventSink struct {
	conn *wsConn
}

type eventFrame struct {
	Type  string     `json:"type"`
	Event core.Event `json:"event"`
}

func (s *eventSink) Notify(ev core.Event) {
	b, err := json.Marshal(eventFrame{Type: "event", Event: ev})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("event marshal")
		return
	}
	if err := s.conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("event", string(ev.Type)).Msg("event dropped")
	}
}
