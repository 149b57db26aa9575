// Package telegram sends alert messages through the Telegram Bot API.
// The bot is outbound-only: it never polls for updates.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "twsignals/internal/transport"
	logx "twsignals/pkg/logx"
)

type Config struct {
	Token string

	// Timeout bounds each Bot API call. Default 10s.
	Timeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot  *tele.Bot
	http *http.Client
}

// New builds an adapter without touching the network, so the service can come
// up while Telegram is down. The first real call surfaces any token problem.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	client := &http.Client{Timeout: cfg.Timeout}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Client:  client,
		Offline: true, // skip the startup getMe; Probe covers it on demand
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b, http: client}, nil
}

// username is a Recipient for @channelusername targets, which telebot's
// numeric ChatID can't express.
type username string

func (u username) Recipient() string { return string(u) }

func resolveRecipient(chat string) (tele.Recipient, error) {
	chat = strings.TrimSpace(chat)
	if chat == "" {
		return nil, errors.New("telegram chat is empty")
	}
	if strings.HasPrefix(chat, "@") {
		return username(chat), nil
	}
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram chat %q is neither a numeric id nor an @username", chat)
	}
	return tele.ChatID(id), nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		// Best-effort: don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen := -1
			lastClose := -1
			for i := start; i < end; i++ {
				if rs[i] == '<' {
					lastOpen = i
				} else if rs[i] == '>' {
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				// Move end to the start of the dangling tag.
				end = lastOpen
				if end <= start {
					end = start + limit
					if end > len(rs) {
						end = len(rs)
					}
				}
			}
		}

		chunk := string(rs[start:end])
		chunk = strings.TrimRight(chunk, "\n")
		out = append(out, chunk)

		start = end
		// Skip leading newlines to avoid empty chunks.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText delivers text to the target chat, chunking when it exceeds the
// Telegram message limit. The returned ref points at the first chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	rcpt, err := resolveRecipient(to.Chat)
	if err != nil {
		return kit.MessageRef{}, err
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				if first.MessageID != 0 {
					return first, ctx.Err()
				}
				return kit.MessageRef{}, ctx.Err()
			default:
			}
		}

		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}

		msg, err := a.bot.Send(rcpt, chunk, sendOpt)
		if err != nil {
			err = mapError(err)
			if first.MessageID != 0 {
				return first, err
			}
			return kit.MessageRef{}, err
		}

		if i == 0 {
			first = kit.MessageRef{Chat: to.Chat, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}

	return first, nil
}

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

func retryHintFromText(s string) (time.Duration, bool) {
	m := retryAfterRe.FindStringSubmatch(strings.ToLower(s))
	if len(m) != 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// mapError translates telebot errors into transport API errors so the
// dispatcher can classify retries without importing telebot.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		e := &kit.APIError{Code: apiErr.Code, Description: apiErr.Description}
		if e.Code == http.StatusTooManyRequests {
			if d, ok := retryHintFromText(apiErr.Description); ok {
				e.RetryAfter = d
			}
		}
		return e
	}
	// Flood control errors carry their own type; recover the code and wait
	// hint from the message text without depending on that type's shape.
	if d, ok := retryHintFromText(err.Error()); ok {
		return &kit.APIError{
			Code:        http.StatusTooManyRequests,
			Description: err.Error(),
			RetryAfter:  d,
		}
	}
	return err
}

// Probe calls getMe to verify the token and connectivity. It goes through a
// plain HTTP request so it works regardless of the bot's offline settings.
func (a *Adapter) Probe(ctx context.Context) (kit.BotInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	url := "https://api.telegram.org/bot" + strings.TrimSpace(a.cfg.Token) + "/getMe"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return kit.BotInfo{}, err
	}

	client := a.http
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return kit.BotInfo{}, err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
		Result      struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return kit.BotInfo{}, fmt.Errorf("telegram getMe: decode: %w", err)
	}

	if resp.StatusCode/100 != 2 || !out.OK {
		if out.Description != "" {
			return kit.BotInfo{}, &kit.APIError{Code: out.ErrorCode, Description: out.Description}
		}
		return kit.BotInfo{}, fmt.Errorf("telegram getMe failed: http=%d", resp.StatusCode)
	}

	return kit.BotInfo{ID: out.Result.ID, Username: out.Result.Username}, nil
}
