package chat

import "errors"

var (
	ErrValidation   = errors.New("invalid message")
	ErrUnauthorized = errors.New("not a participant of this conversation")
	ErrPersistence  = errors.New("failed to store message")
	ErrNotFound     = errors.New("message not found")
	ErrForbidden    = errors.New("only the author may change a message")
)

// Wire codes carried by message_error events.
const (
	CodeValidation   = "validation_error"
	CodeUnauthorized = "unauthorized"
	CodePersistence  = "persistence_error"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeRateLimited  = "rate_limited"
	CodeBadRequest   = "bad_request"
)

// ErrorCode maps a service error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodePersistence
	}
}
