package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dkeye/Ring/internal/adapters/presence"
	"github.com/dkeye/Ring/internal/app/orch"
	"github.com/dkeye/Ring/internal/config"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller upgrades signaling connections and bridges UI commands to
// each user's orchestrator.
type Controller struct {
	Hub      *Hub
	Registry *presence.Registry
	Media    core.Media
	Cfg      *config.Config
}

func NewController(hub *Hub, reg *presence.Registry, media core.Media, cfg *config.Config) *Controller {
	return &Controller{Hub: hub, Registry: reg, Media: media, Cfg: cfg}
}

// HandleSignal owns one user's connection for its lifetime: it spins up
// that user's orchestrator, registers the peer and starts the pumps.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	if _, ok := ctl.Registry.User(uid); !ok {
		ctl.Registry.Register(&domain.User{ID: uid, Username: "guest"})
	}
	if name := c.Query("name"); name != "" {
		if u, ok := ctl.Registry.User(uid); ok {
			if err := u.SetUsername(name); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("bad username ignored")
			}
		}
	}

	conn := newWSConn(ws)
	o := orch.New(orch.Deps{
		Self:      uid,
		Transport: ctl.Hub,
		Presence:  ctl.Registry,
		Media:     ctl.Media,
		Sink:      &eventSink{conn: conn},
	}, orch.Options{
		RingTimeout: ctl.Cfg.RingTimeout,
		QueueSize:   ctl.Cfg.QueueSize,
	})

	ctl.Hub.Register(uid, conn, o)
	ctl.Registry.SetOnline(uid, true)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		conn.writePump(ctx)
		cancel()
	}()
	go ctl.readPump(ctx, cancel, uid, conn, o)
}

// readPump consumes UI command frames until the socket dies, then
// tears the user down: losing the channel ends every session.
func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, uid domain.UserID, c *wsConn, o *orch.Orchestrator) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(uid)).Msg("readPump closing")
		cancel()
		if ctl.Hub.Unregister(uid, c) {
			ctl.Registry.SetOnline(uid, false)
		}
		o.OnTransportLost()
		o.Close()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("readPump read error")
				return
			}
			ctl.handleCommand(uid, c, o, data)
		}
	}
}

type commandFrame struct {
	Type      string `json:"type"`
	Target    string `json:"target,omitempty"`
	Group     string `json:"group,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Source    string `json:"source,omitempty"`
}

func (ctl *Controller) handleCommand(uid domain.UserID, c *wsConn, o *orch.Orchestrator, data []byte) {
	var cmd commandFrame
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad command json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch cmd.Type {
	case "ping":
		ctl.sendJSON(c, map[string]string{"type": "pong"})
	case "start_call":
		sid, err := o.StartPrivateCall(domain.UserID(cmd.Target))
		ctl.reply(c, sid, err)
	case "start_group_call":
		sid, err := o.StartGroupCall(domain.GroupID(cmd.Group))
		ctl.reply(c, sid, err)
	case "join_group_call":
		ctl.reply(c, "", o.JoinGroupCall(domain.GroupID(cmd.Group)))
	case "answer":
		ctl.reply(c, cmd.SessionID, o.Answer(cmd.SessionID))
	case "decline":
		ctl.reply(c, cmd.SessionID, o.Decline(cmd.SessionID))
	case "end_call":
		ctl.reply(c, cmd.SessionID, o.EndCall(cmd.SessionID))
	case "replace_video":
		ctl.reply(c, cmd.SessionID, o.ReplaceVideo(cmd.SessionID, cmd.Source))
	default:
		log.Warn().Str("module", "signal").Str("type", cmd.Type).Msg("unknown command")
		ctl.sendError(c, "unknown_command")
	}
}

func (ctl *Controller) reply(c *wsConn, sid string, err error) {
	if err != nil {
		ctl.sendError(c, errCode(err))
		return
	}
	resp := struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id,omitempty"`
	}{Type: "ok", SessionID: sid}
	ctl.sendJSON(c, resp)
}

// errCode maps core sentinels to stable wire codes so the UI does not
// parse error strings.
func errCode(err error) string {
	switch {
	case errors.Is(err, core.ErrAlreadyInCall):
		return "already_in_call"
	case errors.Is(err, core.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, core.ErrNoSuchSession):
		return "no_such_session"
	case errors.Is(err, core.ErrBadState):
		return "bad_state"
	default:
		return "internal"
	}
}

func (ctl *Controller) sendError(c *wsConn, code string) {
	ctl.sendJSON(c, map[string]string{"type": "error", "error": code})
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
