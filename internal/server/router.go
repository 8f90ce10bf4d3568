package server

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-dmchat/internal/conversation"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/types"
)

// deliverer hands committed messages and read receipts to the connections of
// a conversation.
type deliverer interface {
	deliver(msg types.Message) error
	messagesRead(conv types.ConversationId, reader, other types.UserId) error
}

// ConversationRouter persists messages and routes them to the participants of
// their conversation.
type ConversationRouter struct {
	log     *log.Logger
	store   database.MessageStore
	out     deliverer
	timeout time.Duration
	locks   *keyedMutex
}

func NewConversationRouter(logger *log.Logger, store database.MessageStore, out deliverer, timeout time.Duration) *ConversationRouter {
	return &ConversationRouter{
		log:     logger,
		store:   store,
		out:     out,
		timeout: timeout,
		locks:   newKeyedMutex(),
	}
}

// SendMessage persists the message and hands it off for delivery. Messages of
// one conversation are delivered in the order they were committed.
func (r *ConversationRouter) SendMessage(ctx context.Context, from types.UserId, req Send) (types.Message, error) {
	conv, err := conversation.ID(from, req.To)
	if err != nil {
		return types.Message{}, err
	}

	if err := validateStruct(req); err != nil {
		return types.Message{}, err
	}

	var attachments []types.Attachment
	for _, a := range req.Attachments {
		if a.Type == "" {
			a.Type = types.AttachmentImage
		}
		attachments = append(attachments, a)
	}

	unlock := r.locks.lock(string(conv))
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg, err := r.store.AppendMessage(ctx, database.CreateMessageParams{
		From:        from,
		To:          req.To,
		Body:        req.Text,
		ProductId:   req.ProductId,
		Attachments: attachments,
	})
	if err != nil {
		return types.Message{}, storageErr("append message", err)
	}

	if err := r.out.deliver(msg); err != nil {
		r.log.Printf("deliver message %q: %v", msg.Id, err)
	}

	return msg, nil
}

type HistoryPage struct {
	Messages []types.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// History returns a page of the conversation between reader and other in
// chronological order.
func (r *ConversationRouter) History(ctx context.Context, reader, other types.UserId, page types.Page) (HistoryPage, error) {
	if _, err := conversation.ID(reader, other); err != nil {
		return HistoryPage{}, err
	}

	limit := page.Limit
	if limit <= 0 {
		limit = database.DefaultHistoryLimit
	}
	if limit > database.MaxHistoryLimit {
		limit = database.MaxHistoryLimit
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msgs, err := r.store.History(ctx, reader, other, types.Page{Before: page.Before, Limit: limit + 1})
	if err != nil {
		return HistoryPage{}, storageErr("history", err)
	}

	out := HistoryPage{Messages: msgs}
	if len(msgs) > limit {
		out.Messages = msgs[:limit]
		out.HasMore = true
	}
	slices.Reverse(out.Messages)
	if out.Messages == nil {
		out.Messages = []types.Message{}
	}

	return out, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", types.ErrStorage, op, err)
}

// keyedMutex serializes work per key. Entries are dropped once no goroutine
// holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
