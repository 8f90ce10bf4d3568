package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/testutil"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type fakeSender struct {
	sent   []*mail.SGMailV3
	status int
	err    error
	// stall makes the sender wait for the request context to end.
	stall bool
}

func (f *fakeSender) SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.sent = append(f.sent, email)
	if f.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status}, nil
}

func testNotification() types.MessageNotification {
	return types.MessageNotification{
		To: "u2",
		Message: types.MessageSummary{
			Id:   "m1",
			From: "u1",
			Body: "hello",
		},
	}
}

func TestSendGridNotifier_Notify(t *testing.T) {
	tcases := []struct {
		name      string
		email     string
		lookupErr error
		status    int
		sendErr   error
		sent      int
		err       bool
	}{
		{name: "sends email", email: "u2@example.com", status: 202, sent: 1},
		{name: "unknown recipient", lookupErr: database.ErrNotFound, sent: 0, err: true},
		{name: "send fails", email: "u2@example.com", sendErr: errors.New("network"), sent: 1, err: true},
		{name: "rejected by api", email: "u2@example.com", status: 401, sent: 1, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			book := &database.MockRepository{}
			defer book.AssertExpectations(t)
			book.On("EmailFor", mock.Anything, types.UserId("u2")).Return(tc.email, tc.lookupErr).Once()

			sender := &fakeSender{status: tc.status, err: tc.sendErr}
			n := &SendGridNotifier{
				log:    testutil.TestLogger(t),
				client: sender,
				from:   "noreply@example.com",
				book:   book,
			}

			err := n.Notify(context.Background(), testNotification())
			if tc.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, sender.sent, tc.sent)

			if tc.sent > 0 {
				email := sender.sent[0]
				assert.Equal(t, "noreply@example.com", email.From.Address)
				assert.Equal(t, subject, email.Subject)
				if assert.Len(t, email.Personalizations, 1) && assert.Len(t, email.Personalizations[0].To, 1) {
					assert.Equal(t, tc.email, email.Personalizations[0].To[0].Address)
				}
			}
		})
	}
}

func TestSendGridNotifier_NotifyHonorsDeadline(t *testing.T) {
	book := &database.MockRepository{}
	defer book.AssertExpectations(t)
	book.On("EmailFor", mock.Anything, types.UserId("u2")).Return("u2@example.com", nil).Once()

	sender := &fakeSender{stall: true}
	n := &SendGridNotifier{
		log:    testutil.TestLogger(t),
		client: sender,
		from:   "noreply@example.com",
		book:   book,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- n.Notify(ctx, testNotification()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("expected Notify to return once the context expired")
	}
}

func TestPlainText_TruncatesLongBodies(t *testing.T) {
	n := testNotification()
	n.Message.Body = strings.Repeat("é", previewRunes+10)

	text := plainText(n)
	assert.Contains(t, text, strings.Repeat("é", previewRunes)+"…")
	assert.NotContains(t, text, strings.Repeat("é", previewRunes+1))
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(testutil.TestLogger(t))
	assert.NoError(t, n.Notify(context.Background(), testNotification()))
}
