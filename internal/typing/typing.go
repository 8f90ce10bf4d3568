// Package typing holds the ephemeral "is typing" state of every conversation.
package typing

import (
	"fmt"
	"slices"
	"sync"

	"github.com/npezzotti/go-dmchat/internal/conversation"
	"github.com/npezzotti/go-dmchat/internal/types"
)

// Indicator identifies one user typing in one conversation.
type Indicator struct {
	ConversationId types.ConversationId
	UserId         types.UserId
}

// Coordinator records which users are typing in which conversation, and
// which connection raised each indicator so that it can be cleared when
// that connection goes away. Nothing here is persisted.
type Coordinator struct {
	mu     sync.Mutex
	typing map[types.ConversationId]map[types.UserId]string
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		typing: make(map[types.ConversationId]map[types.UserId]string),
	}
}

// Start marks user as typing in conv on behalf of connId. The user must be a
// participant of conv.
func (c *Coordinator) Start(conv types.ConversationId, user types.UserId, connId string) error {
	if err := checkMember(conv, user); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	users, ok := c.typing[conv]
	if !ok {
		users = make(map[types.UserId]string)
		c.typing[conv] = users
	}
	users[user] = connId

	return nil
}

// Stop clears user's indicator in conv.
func (c *Coordinator) Stop(conv types.ConversationId, user types.UserId) error {
	if err := checkMember(conv, user); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.remove(conv, user)
	return nil
}

func (c *Coordinator) isTyping(conv types.ConversationId, user types.UserId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.typing[conv][user]
	return ok
}

// Typing returns the users currently typing in conv.
func (c *Coordinator) Typing(conv types.ConversationId) []types.UserId {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]types.UserId, 0, len(c.typing[conv]))
	for u := range c.typing[conv] {
		users = append(users, u)
	}
	slices.Sort(users)

	return users
}

// ClearConnection drops every indicator raised by connId and returns them so
// the caller can broadcast the implied stops.
func (c *Coordinator) ClearConnection(connId string) []Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cleared []Indicator
	for conv, users := range c.typing {
		for user, owner := range users {
			if owner == connId {
				cleared = append(cleared, Indicator{ConversationId: conv, UserId: user})
			}
		}
	}

	for _, ind := range cleared {
		c.remove(ind.ConversationId, ind.UserId)
	}

	slices.SortFunc(cleared, func(a, b Indicator) int {
		if a.ConversationId < b.ConversationId {
			return -1
		}
		if a.ConversationId > b.ConversationId {
			return 1
		}
		return 0
	})

	return cleared
}

func (c *Coordinator) remove(conv types.ConversationId, user types.UserId) {
	users, ok := c.typing[conv]
	if !ok {
		return
	}

	delete(users, user)
	if len(users) == 0 {
		delete(c.typing, conv)
	}
}

func checkMember(conv types.ConversationId, user types.UserId) error {
	if _, _, err := conversation.Participants(conv); err != nil {
		return err
	}
	if !conversation.Includes(conv, user) {
		return fmt.Errorf("%w: %q is not a participant of %q", types.ErrUnauthorized, user, conv)
	}

	return nil
}
