// Package apperror classifies failures of the dispatch and escrow core so that
// callers can decide between surfacing, retrying with backoff, or broadening a
// search without string matching.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the failure class of an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindEligibility
	KindTransient
	KindConsistency
	KindRateLimited
	KindNotFound
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindEligibility:
		return "eligibility"
	case KindTransient:
		return "transient"
	case KindConsistency:
		return "consistency"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the context needed by callers to react to it.
type Error struct {
	Op      string
	Kind    Kind
	Message string
	Err     error

	// State is the current escrow state when a transition was refused.
	State string
	// ResetAt is when a rate-limited caller may try again.
	ResetAt time.Time
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.State != "" {
		msg = fmt.Sprintf("%s (current state %s)", msg, e.State)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports bad input. Never retried.
func Validation(op, msg string) *Error {
	return &Error{Op: op, Kind: KindValidation, Message: msg}
}

// Eligibility reports a business outcome such as no eligible drivers.
func Eligibility(op string, err error) *Error {
	return &Error{Op: op, Kind: KindEligibility, Err: err}
}

// Transient wraps an infrastructure failure the caller may retry with backoff.
func Transient(op string, err error) *Error {
	return &Error{Op: op, Kind: KindTransient, Err: err}
}

// Consistency reports a refused state transition together with the current state.
func Consistency(op string, err error, state string) *Error {
	return &Error{Op: op, Kind: KindConsistency, Err: err, State: state}
}

// RateLimited reports an exhausted quota.
func RateLimited(op string, resetAt time.Time) *Error {
	return &Error{Op: op, Kind: KindRateLimited, Message: "rate limit exceeded", ResetAt: resetAt}
}

// NotFound reports a missing entity.
func NotFound(op string, err error) *Error {
	return &Error{Op: op, Kind: KindNotFound, Err: err}
}

// Forbidden reports a caller that is not allowed to perform the operation.
func Forbidden(op, msg string) *Error {
	return &Error{Op: op, Kind: KindForbidden, Message: msg}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller should retry with backoff.
func Retryable(err error) bool {
	return Is(err, KindTransient)
}

// RetryAfter returns the wait a rate-limited caller must surface, rounded up
// to at least one second.
func RetryAfter(err error, now time.Time) (time.Duration, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindRateLimited {
		return 0, false
	}
	wait := e.ResetAt.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait, true
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConsistency:
		return http.StatusConflict
	case KindEligibility:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
