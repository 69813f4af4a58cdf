package domain

import (
	"errors"
	"fmt"
	"time"
)

// FetchError is a transient failure to fetch or parse the feed. The cycle is skipped.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError marks a single feed entry that cannot be normalized. The entry is skipped.
type ParseError struct {
	Entry  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse entry %q: %s", e.Entry, e.Reason)
}

// StateCorruptError means the persisted cursor cannot be trusted.
// Relaying must stop instead of starting over from an empty state.
type StateCorruptError struct {
	Location string
	Err      error
}

func (e *StateCorruptError) Error() string {
	return fmt.Sprintf("state at %s is corrupt: %v", e.Location, e.Err)
}

func (e *StateCorruptError) Unwrap() error { return e.Err }

func IsStateCorrupt(err error) bool {
	var sc *StateCorruptError
	return errors.As(err, &sc)
}

type PublishErrorKind int

const (
	Retryable PublishErrorKind = iota + 1
	Fatal
)

func (k PublishErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "retryable"
}

// PublishError is returned by publishers when a destination did not accept an article.
type PublishError struct {
	Kind       PublishErrorKind
	RetryAfter time.Duration // hint from the destination, zero if none
	Err        error
}

func (e *PublishError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s publish error (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s publish error: %v", e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func NewRetryable(err error) error {
	return &PublishError{Kind: Retryable, Err: err}
}

func NewRetryAfter(err error, after time.Duration) error {
	if after < 0 {
		after = 0
	}
	return &PublishError{Kind: Retryable, RetryAfter: after, Err: err}
}

func NewFatal(err error) error {
	return &PublishError{Kind: Fatal, Err: err}
}

// ClassifyPublishError maps err to an outcome. Unclassified errors are retryable.
func ClassifyPublishError(err error) (Outcome, time.Duration) {
	if err == nil {
		return OutcomeDelivered, 0
	}
	var pe *PublishError
	if errors.As(err, &pe) {
		if pe.Kind == Fatal {
			return OutcomeFatal, 0
		}
		return OutcomeRetryable, pe.RetryAfter
	}
	return OutcomeRetryable, 0
}
