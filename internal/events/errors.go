package events

import (
	"errors"
	"net/http"

	"coursecal/internal/api"
	"coursecal/internal/auth"
)

// Kind classifies a manager failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindPermission
	KindTransport
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// FieldError is one invalid form field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// Error is the only error type returned by Manager operations. Message is
// meant to be shown to the user as-is.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func permissionError(err error) *Error {
	return &Error{Kind: KindPermission, Message: auth.ErrPermissionDenied.Error(), Err: err}
}

const unreachableMessage = "could not reach the calendar service, please try again"

// fromAPI converts a client error. fallback is used when the backend did not
// say anything useful.
func fromAPI(err error, fallback string) *Error {
	if api.IsNotFound(err) {
		return &Error{Kind: KindNotFound, Message: "this event no longer exists", Err: err}
	}
	herr, ok := api.AsHTTPError(err)
	if !ok {
		return &Error{Kind: KindTransport, Message: unreachableMessage, Err: err}
	}

	msg := herr.Message
	if msg == "" {
		msg = fallback
	}
	switch herr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindPermission, Message: msg, Err: err}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &Error{Kind: KindValidation, Message: msg, Err: err}
	default:
		if herr.StatusCode >= 500 {
			msg = fallback
		}
		return &Error{Kind: KindTransport, Message: msg, Err: err}
	}
}
