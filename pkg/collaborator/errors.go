package collaborator

import (
	"errors"
	"fmt"
)

// Failure kinds reported by collaborator clients. Match them with errors.Is.
var (
	ErrFileNotFound = errors.New("file not found")
	ErrTransport    = errors.New("transport failure")
	ErrStatus       = errors.New("unexpected status")
	ErrMalformed    = errors.New("malformed response")
	ErrEmptyText    = errors.New("empty text")
	ErrNoTraits     = errors.New("no traits")
	ErrNoScores     = errors.New("no usable scores")
)

// Error describes a failed collaborator call.
type Error struct {
	Service    string
	Kind       error
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Service, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Service, e.Kind, e.Err)
}

// Unwrap exposes both the failure kind and the underlying cause.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
