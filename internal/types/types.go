package types

import (
	"time"
)

// UserId identifies an account. It is validated by the authentication
// collaborator before it enters the chat core.
type UserId string

// ConversationId names the channel shared by exactly two users.
type ConversationId string

type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
)

type Attachment struct {
	Url      string         `json:"url" validate:"required,url"`
	Type     AttachmentType `json:"type,omitempty" validate:"omitempty,oneof=image file"`
	Filename string         `json:"filename,omitempty"`
	Size     int64          `json:"size,omitempty" validate:"gte=0"`
}

// Message is a persisted chat message. Only Read and ReadAt ever change
// after creation, and only from unread to read.
type Message struct {
	Id             string         `json:"id"`
	SeqId          int64          `json:"seq_id"`
	ConversationId ConversationId `json:"conversation_id"`
	From           UserId         `json:"from"`
	To             UserId         `json:"to"`
	Body           string         `json:"text"`
	ProductId      string         `json:"product_id,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Read           bool           `json:"read"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type MessageSummary struct {
	Id        string    `json:"id"`
	From      UserId    `json:"from"`
	Body      string    `json:"text"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSummary is a derived, read-only view of one conversation used
// to seed a client's sidebar. CounterpartOnline and LastSeen come from
// presence, not from the store.
type ConversationSummary struct {
	ConversationId    ConversationId `json:"conversation_id"`
	Counterpart       UserId         `json:"counterpart"`
	LastMessage       MessageSummary `json:"last_message"`
	UnreadCount       int            `json:"unread_count"`
	CounterpartOnline bool           `json:"counterpart_online"`
	LastSeen          *time.Time     `json:"last_seen,omitempty"`
}

// Page selects a window of history. Before is an exclusive sequence cursor,
// zero means "from the newest message".
type Page struct {
	Before int64 `json:"before,omitempty"`
	Limit  int   `json:"limit,omitempty"`
}

// MessageNotification is the out-of-band hint emitted when a message is sent
// to a user with no live connection.
type MessageNotification struct {
	To      UserId         `json:"to"`
	Message MessageSummary `json:"message"`
}
