package transport

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &APIError{Code: 429, Description: "Too Many Requests"}, true},
		{"server error", &APIError{Code: 502, Description: "Bad Gateway"}, true},
		{"bad request", &APIError{Code: 400, Description: "Bad Request: chat not found"}, false},
		{"forbidden", &APIError{Code: 403, Description: "Forbidden: bot was kicked"}, false},
		{"wrapped api error", fmt.Errorf("send: %w", &APIError{Code: 400, Description: "nope"}), false},
		{"transport failure", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Retryable(tt.err); got != tt.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()

	if d, ok := RetryAfterHint(&APIError{Code: 429, RetryAfter: 7 * time.Second}); !ok || d != 7*time.Second {
		t.Fatalf("RetryAfterHint = (%v, %v), want (7s, true)", d, ok)
	}
	if _, ok := RetryAfterHint(&APIError{Code: 429}); ok {
		t.Fatalf("RetryAfterHint reported a hint for a zero RetryAfter")
	}
	if _, ok := RetryAfterHint(errors.New("boom")); ok {
		t.Fatalf("RetryAfterHint reported a hint for a plain error")
	}
	if d, ok := RetryAfterHint(fmt.Errorf("send: %w", &APIError{Code: 429, RetryAfter: time.Second})); !ok || d != time.Second {
		t.Fatalf("RetryAfterHint on wrapped error = (%v, %v), want (1s, true)", d, ok)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	t.Parallel()

	plain := &APIError{Code: 400, Description: "Bad Request: chat not found"}
	if msg := plain.Error(); !strings.Contains(msg, "chat not found") || !strings.Contains(msg, "400") {
		t.Fatalf("Error() = %q, want description and code", msg)
	}
	limited := &APIError{Code: 429, Description: "Too Many Requests", RetryAfter: 3 * time.Second}
	if msg := limited.Error(); !strings.Contains(msg, "retry after 3s") {
		t.Fatalf("Error() = %q, want the retry hint", msg)
	}
}
