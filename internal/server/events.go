package server

import (
	"fmt"

	"github.com/npezzotti/go-dmchat/internal/types"
)

// event is a unit of work for the Run loop. Events are applied strictly in
// the order they were posted.
type event interface {
	apply(cs *ChatServer)
}

type registerEvent struct {
	client *Client
}

func (e registerEvent) apply(cs *ChatServer) {
	cs.addClient(e.client)
}

type unregisterEvent struct {
	client *Client
}

func (e unregisterEvent) apply(cs *ChatServer) {
	cs.removeClient(e.client)
}

type attachResult struct {
	online  []types.UserId
	pending []types.MessageNotification
	err     error
}

type attachEvent struct {
	client *Client
	user   types.UserId
	reply  chan attachResult
}

func (e attachEvent) apply(cs *ChatServer) {
	e.reply <- cs.attachClient(e.client, e.user)
}

type joinEvent struct {
	client *Client
	id     int
	conv   types.ConversationId
}

func (e joinEvent) apply(cs *ChatServer) {
	if _, ok := cs.attached[e.client]; !ok {
		e.client.queueMessage(ErrResponse(e.id, types.ErrUnauthenticated))
		return
	}

	cs.joinChannel(e.conv, e.client)
	e.client.queueMessage(NoErrOK(e.id, map[string]any{
		"conversation_id": e.conv,
		"typing":          cs.typing.Typing(e.conv),
	}))
}

type leaveEvent struct {
	client *Client
	id     int
	conv   types.ConversationId
}

func (e leaveEvent) apply(cs *ChatServer) {
	cs.leaveChannel(e.conv, e.client)
	e.client.queueMessage(NoErrOK(e.id, map[string]any{
		"conversation_id": e.conv,
	}))
}

type typingEvent struct {
	client *Client
	id     int
	user   types.UserId
	conv   types.ConversationId
	typing bool
}

func (e typingEvent) apply(cs *ChatServer) {
	var err error
	if e.typing {
		err = cs.typing.Start(e.conv, e.user, e.client.id)
	} else {
		err = cs.typing.Stop(e.conv, e.user)
	}
	if err != nil {
		e.client.queueMessage(ErrResponse(e.id, fmt.Errorf("typing: %w", err)))
		return
	}

	cs.broadcast(e.conv, typingChanged(e.conv, e.user, e.typing, e.client))
	e.client.queueMessage(NoErrOK(e.id, nil))
}

type deliverEvent struct {
	msg types.Message
}

func (e deliverEvent) apply(cs *ChatServer) {
	cs.route(e.msg)
}

type readEvent struct {
	conv   types.ConversationId
	reader types.UserId
	other  types.UserId
}

func (e readEvent) apply(cs *ChatServer) {
	cs.broadcast(e.conv, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			MessagesRead: &MessagesRead{ReaderId: e.reader, OtherUserId: e.other},
		},
	})
}
