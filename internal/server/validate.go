package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-dmchat/internal/types"
)

var (
	validate         = validator.New()
	errServerStopped = errors.New("chat server stopped")
)

type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationError lists the payload fields that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return fmt.Sprintf("%s: invalid fields: %s", types.ErrValidation, strings.Join(names, ", "))
}

func (e *ValidationError) Unwrap() error {
	return types.ErrValidation
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}

	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Namespace(),
			Tag:     fe.Tag(),
			Message: fieldMessage(fe),
		})
	}

	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "url":
		return "must be a valid url"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed on " + fe.Tag()
	}
}
