package kieapi

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the KIE API can produce, regardless of which
// HTTP quirk (status code, envelope code, body marker) revealed it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork is transient: transport errors, 5xx, rate limiting, open breaker.
	KindNetwork
	KindAuthOrAccessDenied
	KindInsufficientCredit
	KindEndpointNotFound
	KindRemoteRejected
	KindMissingJobID
	KindResultMissing
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_error"
	case KindAuthOrAccessDenied:
		return "auth_or_access_denied"
	case KindInsufficientCredit:
		return "insufficient_credit"
	case KindEndpointNotFound:
		return "endpoint_not_found"
	case KindRemoteRejected:
		return "remote_rejected"
	case KindMissingJobID:
		return "missing_job_id"
	case KindResultMissing:
		return "result_missing"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by the client.
type Error struct {
	Kind    Kind
	Code    int    // HTTP status or business code, when one was involved
	Message string // remote or local explanation, surfaced to users verbatim
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0 && e.Message != "":
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, kieapi.ErrInsufficientCredit).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrAuthOrAccessDenied = &Error{Kind: KindAuthOrAccessDenied}
	ErrInsufficientCredit = &Error{Kind: KindInsufficientCredit}
	ErrEndpointNotFound   = &Error{Kind: KindEndpointNotFound}
	ErrRemoteRejected     = &Error{Kind: KindRemoteRejected}
	ErrMissingJobID       = &Error{Kind: KindMissingJobID}
	ErrResultMissing      = &Error{Kind: KindResultMissing}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
)

// KindOf returns the Kind of err, or KindUnknown when err did not come from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	return KindOf(err) == KindNetwork
}

func networkError(msg string, err error) *Error {
	return &Error{Kind: KindNetwork, Message: msg, Err: err}
}
