package streamclient

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestInProgress is returned when a correlated request is
	// issued for a key that already has one outstanding. Callers should
	// wait for the first request rather than retry.
	ErrRequestInProgress = errors.New("request already in progress")

	// ErrRequestTimeout is returned when no matching response arrives
	// within the request timeout.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrDisconnected is returned when a request is issued without a
	// live connection, or when a disconnect rejects an in-flight one.
	ErrDisconnected = errors.New("connection lost")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("client closed")
)

// ErrorCategory separates infrastructure failures from server-reported
// business refusals so callers can branch exhaustively instead of
// matching on error strings.
type ErrorCategory string

const (
	CategoryTransport ErrorCategory = "transport"
	CategoryBusiness  ErrorCategory = "business"
)

// TokenError is the structured failure of a token request. Business
// errors carry the server-reported code verbatim (unauthorized,
// payment-required, precondition-required, forbidden); transport errors
// wrap the local cause.
type TokenError struct {
	Category ErrorCategory
	Code     string
	Message  string
	cause    error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token request failed (%s/%s): %s", e.Category, e.Code, e.Message)
}

func (e *TokenError) Unwrap() error { return e.cause }

// IsBusiness reports whether the server refused the request for a
// business reason, as opposed to an infrastructure failure.
func (e *TokenError) IsBusiness() bool { return e.Category == CategoryBusiness }

// AsTokenError extracts a TokenError from an error chain.
func AsTokenError(err error) (*TokenError, bool) {
	var te *TokenError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
