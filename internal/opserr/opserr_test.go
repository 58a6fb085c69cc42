package opserr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected Class
	}{
		{KindRateLimitExceeded, ClassRetryLater},
		{KindSpendingLimitExceeded, ClassRetryLater},
		{KindContentTooLarge, ClassChangeInput},
		{KindInvalidResponse, ClassChangeInput},
		{KindContentModeration, ClassChangeInput},
		{KindInvalidRequest, ClassChangeInput},
		{KindTimeout, ClassTransientExhausted},
		{KindProviderUnavailable, ClassTransientExhausted},
		{KindRegenerationLimitReached, ClassRejected},
		{KindInvalidCredentials, ClassConfiguration},
		{KindCancelled, ClassCancelled},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := ClassOf(tt.kind); got != tt.expected {
				t.Errorf("ClassOf(%s) = %s, expected %s", tt.kind, got, tt.expected)
			}
		})
	}
}

func TestIsTransientKind(t *testing.T) {
	transient := map[Kind]bool{
		KindTimeout:             true,
		KindProviderUnavailable: true,
	}
	all := []Kind{
		KindRateLimitExceeded, KindSpendingLimitExceeded, KindContentTooLarge, KindTimeout,
		KindInvalidResponse, KindContentModeration, KindRegenerationLimitReached,
		KindProviderUnavailable, KindInvalidCredentials, KindInvalidRequest, KindCancelled,
	}
	for _, k := range all {
		if got := IsTransientKind(k); got != transient[k] {
			t.Errorf("IsTransientKind(%s) = %v, expected %v", k, got, transient[k])
		}
	}
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	base := RateLimitExceeded(7 * time.Second)
	wrapped := fmt.Errorf("authorize caller: %w", base)

	e, ok := As(wrapped)
	if !ok {
		t.Fatal("As should find the tagged error")
	}
	if e.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, expected 7s", e.RetryAfter)
	}
	if KindOf(wrapped) != KindRateLimitExceeded {
		t.Errorf("KindOf = %s, expected %s", KindOf(wrapped), KindRateLimitExceeded)
	}
	if !errors.Is(wrapped, &Error{Kind: KindRateLimitExceeded}) {
		t.Error("errors.Is should match on kind")
	}
	if errors.Is(wrapped, &Error{Kind: KindTimeout}) {
		t.Error("errors.Is should not match a different kind")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if k := KindOf(errors.New("boom")); k != "" {
		t.Errorf("KindOf(plain) = %q, expected empty", k)
	}
}

func TestConstructorsCarryContext(t *testing.T) {
	spend := SpendingLimitExceeded(decimal.RequireFromString("5.01"), decimal.RequireFromString("5.00"))
	if !spend.CurrentSpend.Equal(decimal.RequireFromString("5.01")) {
		t.Errorf("CurrentSpend = %s, expected 5.01", spend.CurrentSpend)
	}
	if spend.RetryAfter != 0 {
		t.Errorf("spending limit should carry no retry-after, got %v", spend.RetryAfter)
	}

	large := ContentTooLarge(60000, 50000)
	if large.Size != 60000 || large.MaxSize != 50000 {
		t.Errorf("ContentTooLarge = %d/%d, expected 60000/50000", large.Size, large.MaxSize)
	}

	regen := RegenerationLimitReached(3, 3)
	if regen.Current != 3 || regen.Max != 3 || regen.Class() != ClassRejected {
		t.Errorf("RegenerationLimitReached context wrong: %+v", regen)
	}

	invalid := InvalidResponse("questions[0].options", "missing")
	if invalid.Expected != "questions[0].options" || invalid.Actual != "missing" {
		t.Errorf("InvalidResponse = %q/%q", invalid.Expected, invalid.Actual)
	}

	cause := errors.New("deadline")
	to := Timeout(3*time.Second, 4, cause)
	if !errors.Is(to, cause) {
		t.Error("Timeout should unwrap to its cause")
	}
	if to.Attempts != 4 {
		t.Errorf("Attempts = %d, expected 4", to.Attempts)
	}
}
