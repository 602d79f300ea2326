package client

import (
	"errors"
	"fmt"
)

// Kind classifies a failed reply.
type Kind string

const (
	// KindRequestTimeout means the backend did not answer with a status before the request deadline.
	KindRequestTimeout Kind = "request_timeout"
	// KindStreamStalled means the reply started but no bytes arrived within the liveness window.
	KindStreamStalled Kind = "stream_stalled"
	// KindServerError means the backend answered with a non-success status.
	KindServerError Kind = "server_error"
	// KindNetworkError means the connection could not be established or was lost.
	KindNetworkError Kind = "network_error"
)

// Error is the failure reported by StreamReply and SendTurn. Status and Body are only set for
// KindServerError. Detail is a human-readable message suitable for showing to the user.
type Error struct {
	Kind   Kind
	Status int
	Body   string
	Detail string
	Err    error
}

// Sentinels to match a failure kind with errors.Is.
var (
	ErrRequestTimeout = &Error{Kind: KindRequestTimeout}
	ErrStreamStalled  = &Error{Kind: KindStreamStalled}
	ErrServerError    = &Error{Kind: KindServerError}
	ErrNetworkError   = &Error{Kind: KindNetworkError}
)

// Errors caused by how the client is used rather than by the backend.
var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrBusy         = errors.New("a reply is still streaming")
	ErrReplayed     = errors.New("reply stream can only be consumed once")
)

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so the sentinels above match any failure
// of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func serverError(status int, body string) *Error {
	return &Error{
		Kind:   KindServerError,
		Status: status,
		Body:   body,
		Detail: fmt.Sprintf("HTTP error! status: %d, details: %s", status, body),
	}
}
