package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection indicates the live subscription lost its connection.
	ErrConnection = errors.New("feed connection lost")

	// ErrUnauthenticated indicates an operation needed a signed-in user.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrWriteFailed indicates the remote write was attempted and failed.
	ErrWriteFailed = errors.New("remote write failed")

	// ErrUnknown covers failures that fit no other kind.
	ErrUnknown = errors.New("unknown failure")

	// ErrMalformedDocument indicates a document is missing required fields.
	ErrMalformedDocument = errors.New("malformed document")

	// ErrClosed is returned when using a subscription that was closed.
	ErrClosed = errors.New("subscription closed")

	// ErrNotFound indicates a requested document is missing.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists indicates a document with the same id already exists.
	ErrAlreadyExists = errors.New("document already exists")
)

// FailureKind classifies a failed join for presentation.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureUnauthenticated
	FailureWriteFailed
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnauthenticated:
		return "unauthenticated"
	case FailureWriteFailed:
		return "write_failed"
	default:
		return "unknown"
	}
}

// JoinError is the failure half of a join result.
type JoinError struct {
	Kind   FailureKind
	PostID string
	Err    error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s: %s: %v", e.PostID, e.Kind, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match a JoinError against the taxonomy sentinels by kind.
func (e *JoinError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Kind == FailureUnauthenticated
	case ErrWriteFailed:
		return e.Kind == FailureWriteFailed
	case ErrUnknown:
		return e.Kind == FailureUnknown
	}
	return false
}

// FailureKindOf returns the failure kind carried by err, FailureUnknown if
// err is not a JoinError.
func FailureKindOf(err error) FailureKind {
	var je *JoinError
	if errors.As(err, &je) {
		return je.Kind
	}
	if errors.Is(err, ErrUnauthenticated) {
		return FailureUnauthenticated
	}
	return FailureUnknown
}
