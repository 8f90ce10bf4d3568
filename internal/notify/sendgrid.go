package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	senderName   = "go-dmchat"
	subject      = "You have a new message"
	previewRunes = 140
)

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridNotifier emails the recipient through SendGrid.
type SendGridNotifier struct {
	log    *log.Logger
	client mailSender
	from   string
	book   database.AddressBook
}

func NewSendGridNotifier(logger *log.Logger, apiKey, from string, book database.AddressBook) *SendGridNotifier {
	return &SendGridNotifier{
		log:    logger,
		client: sendgrid.NewSendClient(apiKey),
		from:   from,
		book:   book,
	}
}

func (n *SendGridNotifier) Notify(ctx context.Context, notification types.MessageNotification) error {
	address, err := n.book.EmailFor(ctx, notification.To)
	if err != nil {
		return fmt.Errorf("lookup address: %w", err)
	}

	email := mail.NewSingleEmail(
		mail.NewEmail(senderName, n.from),
		subject,
		mail.NewEmail("", address),
		plainText(notification),
		"",
	)

	resp, err := n.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send: unexpected status %d", resp.StatusCode)
	}

	n.log.Printf("emailed new message notification to %q", notification.To)
	return nil
}

func plainText(n types.MessageNotification) string {
	preview := []rune(n.Message.Body)
	if len(preview) > previewRunes {
		preview = append(preview[:previewRunes], '…')
	}

	return fmt.Sprintf("%s sent you a message:\n\n%s\n", n.Message.From, string(preview))
}
