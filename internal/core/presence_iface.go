package core

import "github.com/dkeye/Ring/internal/domain"

// Presence maps identities to reachable peers. The orchestrator
// consults it, never mutates it.
type Presence interface {
	MembersOf(domain.GroupID) []domain.UserID
	IsReachable(domain.UserID) bool
}
