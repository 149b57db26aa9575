package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ChatTarget addresses a Telegram chat. Chat accepts a numeric chat ID
// ("-1001234567890") or a public @channelusername, the two forms the Bot API
// takes for chat_id. ThreadID targets a forum topic (0 when none).
type ChatTarget struct {
	Chat     string
	ThreadID int
}

type MessageRef struct {
	Chat      string
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// BotInfo identifies the bot behind the configured token (getMe).
type BotInfo struct {
	ID       int64
	Username string
}

// Sender delivers rendered text to a chat.
//
// Implementations must be safe for concurrent use; the dispatcher calls
// SendText from multiple workers.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Prober reports Bot API connectivity. Used by the startup probe and the
// /health/telegram endpoint.
type Prober interface {
	Probe(ctx context.Context) (BotInfo, error)
}

// APIError is a Bot API rejection ("ok": false response).
type APIError struct {
	Code        int
	Description string

	// RetryAfter is non-zero when the API asked to slow down (429).
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram: %s (code=%d, retry after %s)", e.Description, e.Code, e.RetryAfter)
	}
	return fmt.Sprintf("telegram: %s (code=%d)", e.Description, e.Code)
}

// Retryable reports whether a send failure is worth another attempt:
// rate limiting, Bot API 5xx, and transport-level failures (timeouts,
// connection resets). Other API rejections (unknown chat, bad markup)
// are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code == http.StatusTooManyRequests || ae.Code >= 500
	}
	return true
}

// RetryAfterHint extracts the API's requested backoff, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ae *APIError
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		return ae.RetryAfter, true
	}
	return 0, false
}
