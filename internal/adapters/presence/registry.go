// Package presence keeps the in-memory map of who is registered, who
// is connected and which groups exist. The orchestrator consults it
// through core.Presence and never mutates it; mutation happens via the
// REST API and the signaling adapter's connect/disconnect hooks.
package presence

import (
	"errors"
	"sync"

	"github.com/dkeye/Ring/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownGroup = errors.New("unknown group")
	ErrUnknownUser  = errors.New("unknown user")
)

type groupEntry struct {
	group   domain.Group
	members map[domain.UserID]struct{}
}

type Registry struct {
	mu     sync.RWMutex
	users  map[domain.UserID]*domain.User
	online map[domain.UserID]bool
	groups map[domain.GroupID]*groupEntry
}

func NewRegistry() *Registry {
	return &Registry{
		users:  make(map[domain.UserID]*domain.User),
		online: make(map[domain.UserID]bool),
		groups: make(map[domain.GroupID]*groupEntry),
	}
}

// Register creates or updates a user entry.
func (r *Registry) Register(u *domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
	log.Info().Str("module", "presence").Str("user", string(u.ID)).Str("username", u.Username).Msg("user registered")
}

func (r *Registry) User(id domain.UserID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

// SetOnline flips reachability; called by the signaling adapter on
// connect and disconnect.
func (r *Registry) SetOnline(id domain.UserID, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if online {
		r.online[id] = true
	} else {
		delete(r.online, id)
	}
	log.Info().Str("module", "presence").Str("user", string(id)).Bool("online", online).Msg("presence changed")
}

// IsReachable implements core.Presence.
func (r *Registry) IsReachable(id domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[id]
}

// MembersOf implements core.Presence. Unknown groups have no members.
func (r *Registry) MembersOf(gid domain.GroupID) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.groups[gid]
	if !ok {
		return nil
	}
	out := make([]domain.UserID, 0, len(e.members))
	for id := range e.members {
		out = append(out, id)
	}
	return out
}

func (r *Registry) CreateGroup(name domain.GroupName) *domain.Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := domain.Group{ID: domain.GroupID(uuid.NewString()), Name: name}
	r.groups[g.ID] = &groupEntry{group: g, members: make(map[domain.UserID]struct{})}
	log.Info().Str("module", "presence").Str("group", string(g.ID)).Str("name", string(name)).Msg("group created")
	return &g
}

func (r *Registry) DeleteGroup(gid domain.GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, gid)
	log.Info().Str("module", "presence").Str("group", string(gid)).Msg("group deleted")
}

func (r *Registry) AddMember(gid domain.GroupID, uid domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.groups[gid]
	if !ok {
		return ErrUnknownGroup
	}
	if _, ok := r.users[uid]; !ok {
		return ErrUnknownUser
	}
	e.members[uid] = struct{}{}
	return nil
}

func (r *Registry) RemoveMember(gid domain.GroupID, uid domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.groups[gid]
	if !ok {
		return ErrUnknownGroup
	}
	delete(e.members, uid)
	return nil
}

// GroupInfo is a read-only view for APIs.
type GroupInfo struct {
	ID          domain.GroupID   `json:"id"`
	Name        domain.GroupName `json:"name"`
	MemberCount int              `json:"member_count"`
}

func (r *Registry) Groups() []GroupInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GroupInfo, 0, len(r.groups))
	for _, e := range r.groups {
		out = append(out, GroupInfo{ID: e.group.ID, Name: e.group.Name, MemberCount: len(e.members)})
	}
	return out
}
