package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-dmchat/internal/types"
)

// MessageStore is the durable, append-only message log.
type MessageStore interface {
	// AppendMessage assigns the id, sequence and creation time of the
	// message. The message is durable once it returns.
	AppendMessage(ctx context.Context, params CreateMessageParams) (types.Message, error)
	// MarkRead marks every unread message from sender to reader as read in a
	// single conditional update and returns the number of rows changed.
	MarkRead(ctx context.Context, reader, sender types.UserId, at time.Time) (int, error)
	// History returns a page of the conversation between a and b, newest first.
	History(ctx context.Context, a, b types.UserId, page types.Page) ([]types.Message, error)
}

// ConversationLister derives the per-counterpart conversation summaries of a
// user from the message log.
type ConversationLister interface {
	Conversations(ctx context.Context, user types.UserId) ([]types.ConversationSummary, error)
}

// AddressBook resolves where out-of-band notifications for a user are sent.
type AddressBook interface {
	EmailFor(ctx context.Context, user types.UserId) (string, error)
}

type Repository interface {
	MessageStore
	ConversationLister
	AddressBook
	Ping(ctx context.Context) error
	Close() error
}
