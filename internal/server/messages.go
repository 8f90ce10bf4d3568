package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/go-dmchat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound event. Exactly one of the event fields is set.
type ClientMessage struct {
	BaseMessage
	Authenticate *Authenticate `json:"authenticate,omitempty"`
	Join         *Join         `json:"join_conversation,omitempty"`
	Leave        *Leave        `json:"leave_conversation,omitempty"`
	Send         *Send         `json:"send_message,omitempty"`
	MarkRead     *MarkRead     `json:"mark_read,omitempty"`
	TypingStart  *Typing       `json:"typing_start,omitempty"`
	TypingStop   *Typing       `json:"typing_stop,omitempty"`
	History      *History      `json:"history,omitempty"`
}

type Authenticate struct {
	Token string `json:"token" validate:"required"`
}

type Join struct {
	ConversationId types.ConversationId `json:"conversation_id" validate:"required"`
}

type Leave struct {
	ConversationId types.ConversationId `json:"conversation_id" validate:"required"`
}

type Send struct {
	To          types.UserId       `json:"to" validate:"required"`
	Text        string             `json:"text" validate:"required,max=2000"`
	ProductId   string             `json:"product_id,omitempty" validate:"max=64"`
	Attachments []types.Attachment `json:"attachments,omitempty" validate:"max=10,dive"`
}

type MarkRead struct {
	OtherUserId types.UserId `json:"other_user_id" validate:"required"`
}

type Typing struct {
	ConversationId types.ConversationId `json:"conversation_id" validate:"required"`
}

type History struct {
	OtherUserId types.UserId `json:"other_user_id" validate:"required"`
	Before      int64        `json:"before,omitempty" validate:"gte=0"`
	Limit       int          `json:"limit,omitempty" validate:"gte=0,lte=100"`
}

// payload returns the single event carried by the message.
func (cm *ClientMessage) payload() (any, error) {
	var (
		payload any
		n       int
	)

	for _, p := range []any{
		cm.Authenticate,
		cm.Join,
		cm.Leave,
		cm.Send,
		cm.MarkRead,
		cm.TypingStart,
		cm.TypingStop,
		cm.History,
	} {
		if !isNil(p) {
			payload = p
			n++
		}
	}

	if n != 1 {
		return nil, fmt.Errorf("%w: expected exactly one event, got %d", types.ErrValidation, n)
	}

	return payload, nil
}

// validate checks the envelope and the payload before the event reaches the
// core.
func (cm *ClientMessage) validate() error {
	payload, err := cm.payload()
	if err != nil {
		return err
	}

	return validateStruct(payload)
}

func isNil(p any) bool {
	switch v := p.(type) {
	case *Authenticate:
		return v == nil
	case *Join:
		return v == nil
	case *Leave:
		return v == nil
	case *Send:
		return v == nil
	case *MarkRead:
		return v == nil
	case *Typing:
		return v == nil
	case *History:
		return v == nil
	}
	return p == nil
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message_delivered,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	SkipClient   *Client        `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Presence     *PresenceChanged           `json:"presence_changed,omitempty"`
	Message      *types.MessageNotification `json:"message_notification,omitempty"`
	MessagesRead *MessagesRead              `json:"messages_read,omitempty"`
	Typing       *TypingChanged             `json:"typing_changed,omitempty"`
}

type PresenceChanged struct {
	UserId   types.UserId `json:"user_id"`
	Online   bool         `json:"online"`
	LastSeen *time.Time   `json:"last_seen,omitempty"`
}

type MessagesRead struct {
	ReaderId    types.UserId `json:"reader_id"`
	OtherUserId types.UserId `json:"other_user_id"`
}

type TypingChanged struct {
	UserId         types.UserId         `json:"user_id"`
	ConversationId types.ConversationId `json:"conversation_id"`
	Typing         bool                 `json:"typing"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "invalid message format", nil)
}

// ErrResponse maps an error from the core to a response for the originating
// connection.
func ErrResponse(id int, err error) *ServerMessage {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return errResponse(id, http.StatusBadRequest, err.Error(), verr.Fields)
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrInvalidArgument):
		return errResponse(id, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, types.ErrUnauthenticated):
		return errResponse(id, http.StatusUnauthorized, "unauthenticated", nil)
	case errors.Is(err, types.ErrUnauthorized):
		return errResponse(id, http.StatusForbidden, "unauthorized", nil)
	case errors.Is(err, types.ErrInvalidState):
		return errResponse(id, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, types.ErrStorage) && errors.Is(err, context.DeadlineExceeded):
		return errResponse(id, http.StatusGatewayTimeout, "storage timeout", nil)
	case errors.Is(err, types.ErrStorage):
		return errResponse(id, http.StatusInternalServerError, "storage error", nil)
	case errors.Is(err, errServerStopped):
		return ErrServiceUnavailable(id)
	default:
		return errResponse(id, http.StatusInternalServerError, "internal server error", nil)
	}
}

func errResponse(id, code int, text string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
			Data:         data,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
