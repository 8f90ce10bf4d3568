package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/testutil"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []types.Message
	reads     []MessagesRead
	err       error
}

func (f *fakeDeliverer) deliver(msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, msg)
	return f.err
}

func (f *fakeDeliverer) messagesRead(_ types.ConversationId, reader, other types.UserId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, MessagesRead{ReaderId: reader, OtherUserId: other})
	return f.err
}

func storedMessage(seq int64, from, to types.UserId, body string) types.Message {
	conv := types.ConversationId(string(min(from, to)) + "_" + string(max(from, to)))
	return types.Message{
		Id:             fmt.Sprintf("msg-%d", seq),
		SeqId:          seq,
		ConversationId: conv,
		From:           from,
		To:             to,
		Body:           body,
		CreatedAt:      time.Date(2024, 1, 1, 12, 0, int(seq), 0, time.UTC),
	}
}

func TestConversationRouter_SendMessage(t *testing.T) {
	t.Run("persists then delivers", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		out := &fakeDeliverer{}

		stored := storedMessage(1, "alice", "bob", "is this still available?")
		db.On("AppendMessage", mock.Anything, database.CreateMessageParams{
			From:      "alice",
			To:        "bob",
			Body:      "is this still available?",
			ProductId: "prod-1",
			Attachments: []types.Attachment{
				{Url: "https://cdn.example.com/a.png", Type: types.AttachmentImage},
				{Url: "https://cdn.example.com/b.pdf", Type: types.AttachmentFile},
			},
		}).Return(stored, nil).Once()

		r := NewConversationRouter(testutil.TestLogger(t), db, out, time.Second)
		msg, err := r.SendMessage(context.Background(), "alice", Send{
			To:        "bob",
			Text:      "is this still available?",
			ProductId: "prod-1",
			Attachments: []types.Attachment{
				{Url: "https://cdn.example.com/a.png"},
				{Url: "https://cdn.example.com/b.pdf", Type: types.AttachmentFile},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, stored, msg, "expected the stored message to be returned")
		assert.Equal(t, []types.Message{stored}, out.delivered, "expected exactly one delivery")
	})

	t.Run("rejected requests never reach the store", func(t *testing.T) {
		tcases := []struct {
			name string
			from types.UserId
			req  Send
			err  error
		}{
			{name: "same user", from: "alice", req: Send{To: "alice", Text: "hi"}, err: types.ErrInvalidArgument},
			{name: "empty recipient", from: "alice", req: Send{Text: "hi"}, err: types.ErrInvalidArgument},
			{name: "empty text", from: "alice", req: Send{To: "bob"}, err: types.ErrValidation},
			{name: "too many attachments", from: "alice", req: Send{To: "bob", Text: "hi", Attachments: make([]types.Attachment, 11)}, err: types.ErrValidation},
		}

		for _, tc := range tcases {
			t.Run(tc.name, func(t *testing.T) {
				db := &database.MockRepository{}
				out := &fakeDeliverer{}

				r := NewConversationRouter(testutil.TestLogger(t), db, out, time.Second)
				_, err := r.SendMessage(context.Background(), tc.from, tc.req)
				assert.ErrorIs(t, err, tc.err)
				db.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything)
				assert.Empty(t, out.delivered, "expected nothing to be delivered")
			})
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		db := &database.MockRepository{}
		out := &fakeDeliverer{}
		db.On("AppendMessage", mock.Anything, mock.Anything).Return(types.Message{}, errors.New("connection refused")).Once()

		r := NewConversationRouter(testutil.TestLogger(t), db, out, time.Second)
		_, err := r.SendMessage(context.Background(), "alice", Send{To: "bob", Text: "hi"})
		assert.ErrorIs(t, err, types.ErrStorage)
		assert.Empty(t, out.delivered, "expected nothing to be delivered")
	})

	t.Run("storage timeout", func(t *testing.T) {
		db := &database.MockRepository{}
		out := &fakeDeliverer{}
		db.On("AppendMessage", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(types.Message{}, context.DeadlineExceeded).Once()

		r := NewConversationRouter(testutil.TestLogger(t), db, out, 20*time.Millisecond)
		_, err := r.SendMessage(context.Background(), "alice", Send{To: "bob", Text: "hi"})
		assert.ErrorIs(t, err, types.ErrStorage)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Empty(t, out.delivered, "expected nothing to be delivered")
	})

	t.Run("delivery failure still returns the message", func(t *testing.T) {
		db := &database.MockRepository{}
		out := &fakeDeliverer{err: errServerStopped}
		stored := storedMessage(1, "alice", "bob", "hi")
		db.On("AppendMessage", mock.Anything, mock.Anything).Return(stored, nil).Once()

		r := NewConversationRouter(testutil.TestLogger(t), db, out, time.Second)
		msg, err := r.SendMessage(context.Background(), "alice", Send{To: "bob", Text: "hi"})
		assert.NoError(t, err)
		assert.Equal(t, stored, msg)
	})
}

// sequenceStore assigns increasing sequence ids the way the SQL store does.
type sequenceStore struct {
	database.MessageStore
	mu  sync.Mutex
	seq int64
}

func (s *sequenceStore) AppendMessage(_ context.Context, p database.CreateMessageParams) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return storedMessage(s.seq, p.From, p.To, p.Body), nil
}

func TestConversationRouter_SendMessage_Ordering(t *testing.T) {
	db := &sequenceStore{}
	out := &fakeDeliverer{}

	r := NewConversationRouter(testutil.TestLogger(t), db, out, time.Second)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			from, to := types.UserId("alice"), types.UserId("bob")
			if i%2 == 0 {
				from, to = to, from
			}
			_, err := r.SendMessage(context.Background(), from, Send{To: to, Text: "hi"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, out.delivered, 20)
	for i, msg := range out.delivered {
		assert.Equal(t, int64(i+1), msg.SeqId, "expected delivery in commit order")
	}
}

func TestConversationRouter_History(t *testing.T) {
	t.Run("chronological page with more", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		newestFirst := []types.Message{
			storedMessage(5, "bob", "alice", "m5"),
			storedMessage(4, "alice", "bob", "m4"),
			storedMessage(3, "bob", "alice", "m3"),
		}
		db.On("History", mock.Anything, types.UserId("alice"), types.UserId("bob"), types.Page{Limit: 3}).
			Return(newestFirst, nil).Once()

		r := NewConversationRouter(testutil.TestLogger(t), db, &fakeDeliverer{}, time.Second)
		page, err := r.History(context.Background(), "alice", "bob", types.Page{Limit: 2})
		require.NoError(t, err)
		assert.True(t, page.HasMore, "expected another page")
		require.Len(t, page.Messages, 2)
		assert.Equal(t, "m4", page.Messages[0].Body)
		assert.Equal(t, "m5", page.Messages[1].Body)
	})

	t.Run("default and maximum limits", func(t *testing.T) {
		tcases := []struct {
			name      string
			requested int
			fetched   int
		}{
			{name: "default", requested: 0, fetched: database.DefaultHistoryLimit + 1},
			{name: "maximum", requested: 1000, fetched: database.MaxHistoryLimit + 1},
		}

		for _, tc := range tcases {
			t.Run(tc.name, func(t *testing.T) {
				db := &database.MockRepository{}
				defer db.AssertExpectations(t)
				db.On("History", mock.Anything, types.UserId("alice"), types.UserId("bob"), types.Page{Before: 9, Limit: tc.fetched}).
					Return(nil, nil).Once()

				r := NewConversationRouter(testutil.TestLogger(t), db, &fakeDeliverer{}, time.Second)
				page, err := r.History(context.Background(), "alice", "bob", types.Page{Before: 9, Limit: tc.requested})
				require.NoError(t, err)
				assert.False(t, page.HasMore)
				assert.NotNil(t, page.Messages, "expected an empty list rather than nil")
			})
		}
	})

	t.Run("invalid pair", func(t *testing.T) {
		r := NewConversationRouter(testutil.TestLogger(t), &database.MockRepository{}, &fakeDeliverer{}, time.Second)
		_, err := r.History(context.Background(), "alice", "alice", types.Page{})
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	})
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.lock("a")
	acquired := make(chan struct{})
	go func() {
		release := k.lock("a")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("expected second lock on the same key to wait")
	case <-time.After(50 * time.Millisecond):
	}

	other := k.lock("b")
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected second lock to be acquired after unlock")
	}

	assert.Eventually(t, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return len(k.locks) == 0
	}, time.Second, 10*time.Millisecond, "expected idle keys to be released")
}
