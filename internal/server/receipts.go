package server

import (
	"context"
	"log"
	"time"

	"github.com/npezzotti/go-dmchat/internal/conversation"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/types"
)

// ReadReceiptTracker transitions messages to read and tells the conversation.
type ReadReceiptTracker struct {
	log     *log.Logger
	store   database.MessageStore
	out     deliverer
	timeout time.Duration
	now     func() time.Time
}

func NewReadReceiptTracker(logger *log.Logger, store database.MessageStore, out deliverer, timeout time.Duration) *ReadReceiptTracker {
	return &ReadReceiptTracker{
		log:     logger,
		store:   store,
		out:     out,
		timeout: timeout,
		now:     Now,
	}
}

// MarkRead marks every unread message sent by other to reader as read and
// returns how many changed. A receipt is emitted only when something changed.
func (t *ReadReceiptTracker) MarkRead(ctx context.Context, reader, other types.UserId) (int, error) {
	conv, err := conversation.ID(reader, other)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	n, err := t.store.MarkRead(ctx, reader, other, t.now())
	if err != nil {
		return 0, storageErr("mark read", err)
	}

	if n > 0 {
		if err := t.out.messagesRead(conv, reader, other); err != nil {
			t.log.Printf("read receipt for %q: %v", conv, err)
		}
	}

	return n, nil
}
