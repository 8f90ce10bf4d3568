// Package auth verifies the identity claim a connection presents before it
// may use the chat core.
package auth

import (
	"context"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-dmchat/internal/types"
)

const userIdClaim = "user-id"

type Authenticator interface {
	Authenticate(ctx context.Context, credentials string) (types.UserId, error)
}

// JWTAuthenticator accepts HMAC signed tokens carrying the user id in the
// "user-id" claim.
type JWTAuthenticator struct {
	signingKey []byte
}

func NewJWTAuthenticator(signingKey []byte) *JWTAuthenticator {
	return &JWTAuthenticator{signingKey: signingKey}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, credentials string) (types.UserId, error) {
	if credentials == "" {
		return "", fmt.Errorf("%w: missing token", types.ErrUnauthenticated)
	}

	token, err := jwt.Parse(credentials, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: parse token: %v", types.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("%w: invalid token claims", types.ErrUnauthenticated)
	}

	var userId types.UserId
	switch v := claims[userIdClaim].(type) {
	case string:
		userId = types.UserId(v)
	case float64:
		userId = types.UserId(strconv.FormatInt(int64(v), 10))
	}

	if userId == "" {
		return "", fmt.Errorf("%w: invalid user id claim", types.ErrUnauthenticated)
	}

	return userId, nil
}
