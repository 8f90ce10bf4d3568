// Package presence tracks which live connections belong to which user.
package presence

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-dmchat/internal/types"
)

// Registry maps users to the set of connection ids currently attached to
// them. A user is online while that set is non-empty. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	users    map[types.UserId]map[string]struct{}
	owners   map[string]types.UserId
	lastSeen map[types.UserId]time.Time
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		users:    make(map[types.UserId]map[string]struct{}),
		owners:   make(map[string]types.UserId),
		lastSeen: make(map[types.UserId]time.Time),
		now:      time.Now,
	}
}

// Attach adds connId to user's connection set. cameOnline is true only on
// the user's 0->1 transition. Attaching a connection that is already
// attached fails with ErrInvalidState.
func (r *Registry) Attach(user types.UserId, connId string) (cameOnline bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[connId]; ok {
		return false, fmt.Errorf("%w: connection %q already attached to %q", types.ErrInvalidState, connId, owner)
	}

	conns, ok := r.users[user]
	if !ok {
		conns = make(map[string]struct{})
		r.users[user] = conns
	}

	conns[connId] = struct{}{}
	r.owners[connId] = user

	return len(conns) == 1, nil
}

// Detach removes connId from whichever user owns it. wentOffline is true only
// on the owner's 1->0 transition, which also records the user's last seen
// time. Unknown connections are ignored.
func (r *Registry) Detach(connId string) (user types.UserId, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.owners[connId]
	if !ok {
		return "", false
	}

	delete(r.owners, connId)

	conns := r.users[user]
	delete(conns, connId)
	if len(conns) == 0 {
		delete(r.users, user)
		r.lastSeen[user] = r.now().UTC()
		return user, true
	}

	return user, false
}

func (r *Registry) IsOnline(user types.UserId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users[user]) > 0
}

// LastSeen returns when user's last connection closed. ok is false while the
// user is online or has not been seen since the registry was created.
func (r *Registry) LastSeen(user types.UserId) (at time.Time, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.users[user]) > 0 {
		return time.Time{}, false
	}
	at, ok = r.lastSeen[user]
	return at, ok
}

// ConnectionsFor returns the ids of user's live connections in sorted order.
func (r *Registry) ConnectionsFor(user types.UserId) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]string, 0, len(r.users[user]))
	for id := range r.users[user] {
		conns = append(conns, id)
	}
	slices.Sort(conns)

	return conns
}

// OnlineUsers returns every user with at least one live connection.
func (r *Registry) OnlineUsers() []types.UserId {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]types.UserId, 0, len(r.users))
	for u := range r.users {
		users = append(users, u)
	}
	slices.Sort(users)

	return users
}
