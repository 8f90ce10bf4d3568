package server

import (
	"context"
	"fmt"

	"github.com/npezzotti/go-dmchat/internal/conversation"
	"github.com/npezzotti/go-dmchat/internal/types"
)

// AuthResult seeds a freshly authenticated connection.
type AuthResult struct {
	UserId        types.UserId                `json:"user_id"`
	OnlineUsers   []types.UserId              `json:"online_users"`
	Conversations []types.ConversationSummary `json:"conversations,omitempty"`
}

// handle dispatches a decoded event according to the session state.
func (c *Client) handle(msg *ClientMessage) {
	if c.state == stateClosed {
		return
	}

	if err := msg.validate(); err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	if msg.Authenticate != nil {
		c.authenticate(msg)
		return
	}

	if c.state != stateAuthenticated {
		c.queueMessage(ErrResponse(msg.Id, fmt.Errorf("%w: authenticate first", types.ErrUnauthenticated)))
		return
	}

	switch {
	case msg.Join != nil:
		c.join(msg)
	case msg.Leave != nil:
		c.leave(msg)
	case msg.Send != nil:
		c.sendChatMessage(msg)
	case msg.MarkRead != nil:
		c.markRead(msg)
	case msg.TypingStart != nil:
		c.setTyping(msg, msg.TypingStart.ConversationId, true)
	case msg.TypingStop != nil:
		c.setTyping(msg, msg.TypingStop.ConversationId, false)
	case msg.History != nil:
		c.history(msg)
	}
}

func (c *Client) authenticate(msg *ClientMessage) {
	if c.state == stateAuthenticated {
		c.queueMessage(ErrResponse(msg.Id, fmt.Errorf("%w: already authenticated", types.ErrInvalidState)))
		return
	}

	cs := c.chatServer
	ctx, cancel := context.WithTimeout(c.ctx, cs.storeTimeout)
	user, err := cs.auth.Authenticate(ctx, msg.Authenticate.Token)
	cancel()
	if err != nil {
		c.log.Printf("authenticate connection %q: %v", c.id, err)
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	reply := make(chan attachResult, 1)
	if !cs.post(attachEvent{client: c, user: user, reply: reply}) {
		c.queueMessage(ErrServiceUnavailable(msg.Id))
		return
	}

	var res attachResult
	select {
	case res = <-reply:
	case <-cs.done:
		c.queueMessage(ErrServiceUnavailable(msg.Id))
		return
	}
	if res.err != nil {
		c.queueMessage(ErrResponse(msg.Id, res.err))
		return
	}

	c.user = user
	c.state = stateAuthenticated

	result := AuthResult{UserId: user, OnlineUsers: res.online}

	ctx, cancel = context.WithTimeout(c.ctx, cs.storeTimeout)
	summaries, err := cs.db.Conversations(ctx, user)
	cancel()
	if err != nil {
		c.log.Printf("load conversations for %q: %v", user, err)
	} else {
		result.Conversations = cs.withPresence(summaries)
	}

	c.queueMessage(NoErrOK(msg.Id, result))

	for i := range res.pending {
		c.queueMessage(&ServerMessage{
			BaseMessage:  BaseMessage{Timestamp: Now()},
			Notification: &Notification{Message: &res.pending[i]},
		})
	}
}

func (c *Client) join(msg *ClientMessage) {
	conv := msg.Join.ConversationId
	if err := c.checkMember(conv); err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	if !c.chatServer.post(joinEvent{client: c, id: msg.Id, conv: conv}) {
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leave(msg *ClientMessage) {
	conv := msg.Leave.ConversationId
	if _, _, err := conversation.Participants(conv); err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	if !c.chatServer.post(leaveEvent{client: c, id: msg.Id, conv: conv}) {
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) sendChatMessage(msg *ClientMessage) {
	sent, err := c.chatServer.router.SendMessage(c.ctx, c.user, *msg.Send)
	if err != nil {
		c.log.Printf("send message from %q: %v", c.user, err)
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, sent))
}

func (c *Client) markRead(msg *ClientMessage) {
	n, err := c.chatServer.receipts.MarkRead(c.ctx, c.user, msg.MarkRead.OtherUserId)
	if err != nil {
		c.log.Printf("mark read for %q: %v", c.user, err)
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]int{"count": n}))
}

func (c *Client) setTyping(msg *ClientMessage, conv types.ConversationId, typing bool) {
	if err := c.checkMember(conv); err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	ev := typingEvent{client: c, id: msg.Id, user: c.user, conv: conv, typing: typing}
	if !c.chatServer.post(ev) {
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) history(msg *ClientMessage) {
	h := msg.History
	page, err := c.chatServer.router.History(c.ctx, c.user, h.OtherUserId, types.Page{Before: h.Before, Limit: h.Limit})
	if err != nil {
		c.log.Printf("history for %q: %v", c.user, err)
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, page))
}

func (c *Client) checkMember(conv types.ConversationId) error {
	if _, _, err := conversation.Participants(conv); err != nil {
		return err
	}
	if !conversation.Includes(conv, c.user) {
		return fmt.Errorf("%w: %q is not a participant of %q", types.ErrUnauthorized, c.user, conv)
	}
	return nil
}

// withPresence fills in the counterpart's presence on each summary.
func (cs *ChatServer) withPresence(summaries []types.ConversationSummary) []types.ConversationSummary {
	for i := range summaries {
		s := &summaries[i]
		s.CounterpartOnline = cs.presence.IsOnline(s.Counterpart)
		if at, ok := cs.presence.LastSeen(s.Counterpart); ok {
			s.LastSeen = &at
		}
	}
	return summaries
}
