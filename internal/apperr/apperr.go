// Package apperr defines the closed error taxonomy shared by every domain
// package and maps it onto HTTP responses at the request boundary.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for the request boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindStateConflict
	KindInsufficientFunds
	KindUpstreamGateway
	KindInconsistentSettlement
	KindPending
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindStateConflict:
		return "state_conflict"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindUpstreamGateway:
		return "upstream_gateway"
	case KindInconsistentSettlement:
		return "inconsistent_settlement"
	case KindPending:
		return "pending"
	default:
		return "internal"
	}
}

// HTTPStatus returns the response status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindStateConflict:
		return http.StatusConflict
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindUpstreamGateway:
		return http.StatusBadGateway
	case KindPending:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Packages declare their sentinels as *Error
// values and wrap them with fmt.Errorf("...: %w", sentinel) to add context.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
	Details any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an underlying error. The cause stays reachable through
// errors.Is and errors.As.
func Wrap(kind Kind, code string, err error) *Error {
	msg := code
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// Validation is shorthand for a 400 error with field details.
func Validation(message string, details any) *Error {
	return &Error{Kind: KindValidation, Code: "validation_error", Message: message, Details: details}
}

// Upstream wraps a gateway or provider failure.
func Upstream(provider string, err error) *Error {
	return &Error{Kind: KindUpstreamGateway, Code: "upstream_gateway", Message: provider + " request failed", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
