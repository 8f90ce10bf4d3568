// Package notify delivers best-effort new message hints to users that have no
// live connection.
package notify

import (
	"context"
	"log"

	"github.com/npezzotti/go-dmchat/internal/types"
)

type Notifier interface {
	Notify(ctx context.Context, n types.MessageNotification) error
}

// LogNotifier only records the notification.
type LogNotifier struct {
	log *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) Notify(_ context.Context, notification types.MessageNotification) error {
	n.log.Printf("new message %q from %q for offline user %q",
		notification.Message.Id, notification.Message.From, notification.To)
	return nil
}
