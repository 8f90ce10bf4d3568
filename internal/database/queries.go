package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-dmchat/internal/conversation"
	"github.com/npezzotti/go-dmchat/internal/types"
)

var ErrNotFound = errors.New("not found")

const messageColumns = "seq, id, conversation_id, sender_id, recipient_id, body, product_id, attachments, read, read_at, created_at"

func (s *SQLStore) AppendMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	convId, err := conversation.ID(params.From, params.To)
	if err != nil {
		return types.Message{}, err
	}

	attachments := params.Attachments
	if attachments == nil {
		attachments = []types.Attachment{}
	}
	rawAttachments, err := json.Marshal(attachments)
	if err != nil {
		return types.Message{}, fmt.Errorf("encode attachments: %w", err)
	}

	msg := types.Message{
		Id:             s.newId(),
		ConversationId: convId,
		From:           params.From,
		To:             params.To,
		Body:           params.Body,
		ProductId:      params.ProductId,
		Attachments:    params.Attachments,
		CreatedAt:      s.now(),
	}

	row := s.conn.QueryRowContext(ctx, s.rebind(
		"INSERT INTO messages (id, conversation_id, sender_id, recipient_id, body, product_id, attachments, read, created_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, ?) RETURNING seq"),
		msg.Id,
		string(msg.ConversationId),
		string(msg.From),
		string(msg.To),
		msg.Body,
		sql.NullString{String: msg.ProductId, Valid: msg.ProductId != ""},
		string(rawAttachments),
		toMillis(msg.CreatedAt),
	)

	if err := row.Scan(&msg.SeqId); err != nil {
		return types.Message{}, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, reader, sender types.UserId, at time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, s.rebind(
		"UPDATE messages SET read = TRUE, read_at = ? "+
			"WHERE recipient_id = ? AND sender_id = ? AND read = FALSE"),
		toMillis(at),
		string(reader),
		string(sender),
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return int(n), nil
}

func (s *SQLStore) History(ctx context.Context, a, b types.UserId, page types.Page) ([]types.Message, error) {
	convId, err := conversation.ID(a, b)
	if err != nil {
		return nil, err
	}

	limit := page.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	// one row past the maximum lets callers detect a further page
	if limit > MaxHistoryLimit+1 {
		limit = MaxHistoryLimit + 1
	}

	query := "SELECT " + messageColumns + " FROM messages WHERE conversation_id = ?"
	args := []any{string(convId)}
	if page.Before > 0 {
		query += " AND seq < ?"
		args = append(args, page.Before)
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	messages := make([]types.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (s *SQLStore) Conversations(ctx context.Context, user types.UserId) ([]types.ConversationSummary, error) {
	query := `
		SELECT
				m.conversation_id,
				m.sender_id,
				m.id,
				m.body,
				m.read,
				m.created_at,
				(SELECT COUNT(*) FROM messages u
					WHERE u.conversation_id = m.conversation_id
					AND u.recipient_id = ? AND u.read = FALSE) AS unread
		FROM messages m
		WHERE m.seq IN (
				SELECT MAX(seq) FROM messages
				WHERE sender_id = ? OR recipient_id = ?
				GROUP BY conversation_id)
		ORDER BY m.seq DESC`

	rows, err := s.conn.QueryContext(ctx, s.rebind(query), string(user), string(user), string(user))
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]types.ConversationSummary, 0)
	for rows.Next() {
		var (
			summary   types.ConversationSummary
			sender    string
			createdAt int64
		)

		err := rows.Scan(
			&summary.ConversationId,
			&sender,
			&summary.LastMessage.Id,
			&summary.LastMessage.Body,
			&summary.LastMessage.Read,
			&createdAt,
			&summary.UnreadCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		summary.LastMessage.From = types.UserId(sender)
		summary.LastMessage.CreatedAt = fromMillis(createdAt)
		summary.Counterpart, err = conversation.Counterpart(summary.ConversationId, user)
		if err != nil {
			return nil, fmt.Errorf("conversation %q: %w", summary.ConversationId, err)
		}

		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return summaries, nil
}

func (s *SQLStore) EmailFor(ctx context.Context, user types.UserId) (string, error) {
	row := s.conn.QueryRowContext(ctx, s.rebind("SELECT email FROM accounts WHERE id = ? LIMIT 1"), string(user))

	var email string
	if err := row.Scan(&email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("account %q: %w", user, ErrNotFound)
		}
		return "", fmt.Errorf("query account: %w", err)
	}

	return email, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (types.Message, error) {
	var (
		msg            types.Message
		convId         string
		sender         string
		recipient      string
		productId      sql.NullString
		rawAttachments string
		readAt         sql.NullInt64
		createdAt      int64
	)

	err := row.Scan(
		&msg.SeqId,
		&msg.Id,
		&convId,
		&sender,
		&recipient,
		&msg.Body,
		&productId,
		&rawAttachments,
		&msg.Read,
		&readAt,
		&createdAt,
	)
	if err != nil {
		return types.Message{}, fmt.Errorf("scan message: %w", err)
	}

	msg.ConversationId = types.ConversationId(convId)
	msg.From = types.UserId(sender)
	msg.To = types.UserId(recipient)
	msg.ProductId = productId.String
	msg.CreatedAt = fromMillis(createdAt)
	if readAt.Valid {
		t := fromMillis(readAt.Int64)
		msg.ReadAt = &t
	}

	if rawAttachments != "" && rawAttachments != "[]" {
		if err := json.Unmarshal([]byte(rawAttachments), &msg.Attachments); err != nil {
			return types.Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}

	return msg, nil
}
