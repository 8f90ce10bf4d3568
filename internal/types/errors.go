package types

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrValidation      = errors.New("validation error")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrStorage         = errors.New("storage error")
	ErrInvalidState    = errors.New("invalid state")
)
