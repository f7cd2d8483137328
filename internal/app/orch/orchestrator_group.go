package orch

import (
	"sort"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StartGroupCall opens a mesh call to every current member of the
// group. Group calls have no ringing phase: each member gets an offer
// and decides whether to answer. Zero members is a valid lonely call.
func (o *Orchestrator) StartGroupCall(group domain.GroupID) (string, error) {
	var sid string
	err := o.do(func() error {
		if o.active != "" {
			return core.ErrAlreadyInCall
		}

		members := o.presence.MembersOf(group)
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

		sid = uuid.NewString()
		s := core.NewGroupSession(sid, group)
		o.sessions[sid] = s
		o.active = sid

		for _, m := range members {
			if m == o.self {
				continue
			}
			if err := s.AddLink(core.NewPeerLink(m, core.RoleCaller)); err != nil {
				log.Warn().Err(err).Str("module", "orch").Msg("duplicate group member skipped")
			}
		}
		log.Info().Str("module", "orch").Str("session", sid).Str("group", string(group)).Int("members", s.LinkCount()).Msg("group call started")

		o.acquireThen(s, func(s *core.Session) {
			for _, l := range s.Links() {
				if l.State() == core.LinkNew && l.Role == core.RoleCaller {
					o.sendOffer(s, l, core.KindGroupOffer)
				}
			}
		})
		return nil
	})
	return sid, err
}

// JoinGroupCall announces this user to a call already in progress. The
// session id sent with the join is only a correlation nonce: the
// canonical id, minted by the call initiator, arrives with the first
// group offer and the local group session is created from it.
func (o *Orchestrator) JoinGroupCall(group domain.GroupID) error {
	return o.do(func() error {
		if o.active != "" {
			return core.ErrAlreadyInCall
		}
		env := core.Envelope{
			Kind:      core.KindGroupJoin,
			From:      o.self,
			To:        string(group),
			SessionID: uuid.NewString(),
			Group:     group,
		}
		log.Info().Str("module", "orch").Str("group", string(group)).Msg("joining group call")
		return o.send(env)
	})
}

// onGroupJoin reacts to a joiner: every participant with an active
// session for that group opens a caller link toward the joiner and
// sends it a group offer.
func (o *Orchestrator) onGroupJoin(env core.Envelope) {
	s := o.activeGroupSession(env.Group)
	if s == nil {
		log.Warn().Str("module", "orch").Str("group", string(env.Group)).Str("from", string(env.From)).Msg("group join for inactive group dropped")
		return
	}
	if _, exists := s.Link(env.From); exists {
		log.Warn().Str("module", "orch").Str("from", string(env.From)).Msg("duplicate group join dropped")
		return
	}
	l := core.NewPeerLink(env.From, core.RoleCaller)
	if err := s.AddLink(l); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("group join link rejected")
		return
	}
	o.acquireThen(s, func(s *core.Session) {
		if cur, ok := s.Link(env.From); ok && cur.State() == core.LinkNew {
			o.sendOffer(s, cur, core.KindGroupOffer)
		}
	})
}

// onGroupOffer augments an existing group session with one more callee
// link, or creates the session when this side is the joiner. Group
// offers are auto-answered: joining a call in progress does not prompt
// per member.
func (o *Orchestrator) onGroupOffer(env core.Envelope) {
	s, ok := o.sessions[env.SessionID]
	if !ok {
		if o.active != "" {
			cur := o.sessions[o.active]
			if cur != nil && cur.Kind == core.SessionGroup && cur.Group == env.Group {
				log.Warn().Str("module", "orch").Str("session", env.SessionID).Str("group", string(env.Group)).Msg("conflicting group session id dropped")
				return
			}
			o.declineBusy(env)
			return
		}
		s = core.NewGroupSession(env.SessionID, env.Group)
		o.sessions[s.ID] = s
		o.active = s.ID
		log.Info().Str("module", "orch").Str("session", s.ID).Str("group", string(env.Group)).Msg("joined group call")
	}
	if s.Kind != core.SessionGroup {
		log.Warn().Str("module", "orch").Str("session", env.SessionID).Msg("group offer for private session dropped")
		return
	}
	if l, exists := s.Link(env.From); exists {
		if l.Duplicate(env.Kind, env.Seq) {
			log.Warn().Str("module", "orch").Str("from", string(env.From)).Msg("duplicate group offer ignored")
			return
		}
		log.Warn().Str("module", "orch").Str("from", string(env.From)).Msg("group offer for existing link dropped")
		return
	}

	l := core.NewPeerLink(env.From, core.RoleCallee)
	if err := l.MarkOfferReceived(env.Payload); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("group offer rejected")
		return
	}
	l.MarkApplied(env.Kind, env.Seq)
	if err := s.AddLink(l); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("group offer link rejected")
		return
	}
	o.acquireThen(s, func(s *core.Session) {
		if cur, ok := s.Link(env.From); ok && !cur.Terminal() {
			o.sendAnswer(s, cur, core.KindGroupAnswer)
		}
	})
}

// activeGroupSession returns the active session when it is a group
// session for the given group.
func (o *Orchestrator) activeGroupSession(group domain.GroupID) *core.Session {
	if o.active == "" {
		return nil
	}
	s := o.sessions[o.active]
	if s == nil || s.Kind != core.SessionGroup || s.Group != group {
		return nil
	}
	return s
}
