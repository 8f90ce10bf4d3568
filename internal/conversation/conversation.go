// Package conversation derives the canonical identifier of the conversation
// between two users.
package conversation

import (
	"fmt"
	"strings"

	"github.com/npezzotti/go-dmchat/internal/types"
)

// Separator joins the two sorted participant ids. User ids containing it
// are rejected so that an id can always be split back into its participants.
const Separator = "_"

// ID returns the conversation id for the unordered pair (a, b).
func ID(a, b types.UserId) (types.ConversationId, error) {
	if err := checkUserId(a); err != nil {
		return "", err
	}
	if err := checkUserId(b); err != nil {
		return "", err
	}
	if a == b {
		return "", fmt.Errorf("%w: user %q cannot converse with themself", types.ErrInvalidArgument, a)
	}

	if b < a {
		a, b = b, a
	}

	return types.ConversationId(string(a) + Separator + string(b)), nil
}

// Participants splits a conversation id into its two participants.
func Participants(id types.ConversationId) (types.UserId, types.UserId, error) {
	first, second, ok := strings.Cut(string(id), Separator)
	if !ok || first == "" || second == "" || strings.Contains(second, Separator) {
		return "", "", fmt.Errorf("%w: malformed conversation id %q", types.ErrValidation, id)
	}

	// the canonical form is sorted, anything else was not produced by ID
	if canonical, err := ID(types.UserId(first), types.UserId(second)); err != nil || canonical != id {
		return "", "", fmt.Errorf("%w: malformed conversation id %q", types.ErrValidation, id)
	}

	return types.UserId(first), types.UserId(second), nil
}

// Includes reports whether user is one of the two participants of id.
func Includes(id types.ConversationId, user types.UserId) bool {
	a, b, err := Participants(id)
	if err != nil {
		return false
	}

	return user == a || user == b
}

// Counterpart returns the participant of id that is not user.
func Counterpart(id types.ConversationId, user types.UserId) (types.UserId, error) {
	a, b, err := Participants(id)
	if err != nil {
		return "", err
	}

	switch user {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q is not a participant of %q", types.ErrUnauthorized, user, id)
	}
}

func checkUserId(id types.UserId) error {
	if id == "" {
		return fmt.Errorf("%w: empty user id", types.ErrInvalidArgument)
	}
	if strings.Contains(string(id), Separator) {
		return fmt.Errorf("%w: user id %q contains %q", types.ErrInvalidArgument, id, Separator)
	}

	return nil
}
