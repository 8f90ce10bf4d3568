package database

import "github.com/npezzotti/go-dmchat/internal/types"

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

type CreateMessageParams struct {
	From        types.UserId
	To          types.UserId
	Body        string
	ProductId   string
	Attachments []types.Attachment
}
