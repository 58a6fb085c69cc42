// Package opserr defines the failure categories shared by the quota governor,
// the provider client, the regeneration limiter and the pipeline.
package opserr

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies a failure category.
type Kind string

const (
	KindRateLimitExceeded        Kind = "rate_limit_exceeded"
	KindSpendingLimitExceeded    Kind = "spending_limit_exceeded"
	KindContentTooLarge          Kind = "content_too_large"
	KindTimeout                  Kind = "timeout"
	KindInvalidResponse          Kind = "invalid_response"
	KindContentModeration        Kind = "content_moderation"
	KindRegenerationLimitReached Kind = "regeneration_limit_reached"
	KindProviderUnavailable      Kind = "provider_unavailable"
	KindInvalidCredentials       Kind = "invalid_credentials"
	KindInvalidRequest           Kind = "invalid_request"
	KindCancelled                Kind = "cancelled"
)

// Class groups kinds by what the caller can do about them.
type Class string

const (
	ClassRetryLater         Class = "retry_later"
	ClassChangeInput        Class = "change_input"
	ClassTransientExhausted Class = "transient_exhausted"
	ClassRejected           Class = "rejected"
	ClassConfiguration      Class = "configuration"
	ClassCancelled          Class = "cancelled"
)

// Error is a tagged operation error. Only the fields relevant to Kind are set.
type Error struct {
	Kind    Kind
	Message string

	// RateLimitExceeded
	RetryAfter time.Duration
	// SpendingLimitExceeded
	CurrentSpend decimal.Decimal
	Limit        decimal.Decimal
	// ContentTooLarge
	Size    int
	MaxSize int
	// Timeout, ProviderUnavailable
	Elapsed  time.Duration
	Attempts int
	// InvalidResponse
	Expected string
	Actual   string
	// RegenerationLimitReached
	Current int
	Max     int

	Cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Class returns the caller-visible status class of the error.
func (e *Error) Class() Class {
	return ClassOf(e.Kind)
}

// Transient reports whether the provider client may retry the kind.
func (e *Error) Transient() bool {
	return IsTransientKind(e.Kind)
}

// ClassOf maps a kind to its status class.
func ClassOf(k Kind) Class {
	switch k {
	case KindRateLimitExceeded, KindSpendingLimitExceeded:
		return ClassRetryLater
	case KindContentTooLarge, KindInvalidResponse, KindContentModeration, KindInvalidRequest:
		return ClassChangeInput
	case KindTimeout, KindProviderUnavailable:
		return ClassTransientExhausted
	case KindRegenerationLimitReached:
		return ClassRejected
	case KindInvalidCredentials:
		return ClassConfiguration
	case KindCancelled:
		return ClassCancelled
	default:
		return ClassTransientExhausted
	}
}

// IsTransientKind reports whether a kind is eligible for automatic retry.
func IsTransientKind(k Kind) bool {
	return k == KindTimeout || k == KindProviderUnavailable
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// --- constructors ---

func RateLimitExceeded(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimitExceeded,
		Message:    fmt.Sprintf("too many requests, retry after %ds", int(retryAfter.Seconds())),
		RetryAfter: retryAfter,
	}
}

func SpendingLimitExceeded(current, limit decimal.Decimal) *Error {
	return &Error{
		Kind:         KindSpendingLimitExceeded,
		Message:      fmt.Sprintf("hourly spending limit reached ($%s of $%s)", current.StringFixed(2), limit.StringFixed(2)),
		CurrentSpend: current,
		Limit:        limit,
	}
}

func ContentTooLarge(size, maxSize int) *Error {
	return &Error{
		Kind:    KindContentTooLarge,
		Message: fmt.Sprintf("content is %d bytes, maximum is %d", size, maxSize),
		Size:    size,
		MaxSize: maxSize,
	}
}

func Timeout(elapsed time.Duration, attempts int, cause error) *Error {
	return &Error{
		Kind:     KindTimeout,
		Message:  fmt.Sprintf("provider did not answer after %d attempt(s), %s elapsed", attempts, elapsed.Round(time.Millisecond)),
		Elapsed:  elapsed,
		Attempts: attempts,
		Cause:    cause,
	}
}

func InvalidResponse(expected, actual string) *Error {
	return &Error{
		Kind:     KindInvalidResponse,
		Message:  fmt.Sprintf("expected %s, got %s", expected, actual),
		Expected: expected,
		Actual:   actual,
	}
}

func ContentModeration(msg string, cause error) *Error {
	return &Error{Kind: KindContentModeration, Message: msg, Cause: cause}
}

func RegenerationLimitReached(current, max int) *Error {
	return &Error{
		Kind:    KindRegenerationLimitReached,
		Message: fmt.Sprintf("unit already regenerated %d of %d times", current, max),
		Current: current,
		Max:     max,
	}
}

func ProviderUnavailable(msg string, attempts int, cause error) *Error {
	return &Error{Kind: KindProviderUnavailable, Message: msg, Attempts: attempts, Cause: cause}
}

func InvalidCredentials(cause error) *Error {
	return &Error{Kind: KindInvalidCredentials, Message: "provider rejected credentials", Cause: cause}
}

func InvalidRequest(msg string, cause error) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg, Cause: cause}
}

func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Message: "operation cancelled", Cause: cause}
}
