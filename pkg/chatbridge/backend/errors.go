package backend

import (
	"errors"
	"fmt"
)

// ErrorKind classifies backend failures.
type ErrorKind int

const (
	// KindUnreachable covers network failures and timeouts.
	KindUnreachable ErrorKind = iota
	// KindBadResponse covers non-2xx statuses and undecodable bodies.
	KindBadResponse
)

// String returns a label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindBadResponse:
		return "bad_response"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrUnreachable = errors.New("backend unreachable")
	ErrBadResponse = errors.New("backend bad response")
)

// Error is returned by every Client call that reaches the transport.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindUnreachable:
		return fmt.Sprintf("backend unreachable: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("backend returned %d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, truncate(e.Body, 200))
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrBadResponse:
		return e.Kind == KindBadResponse
	}
	return false
}
