package logx

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"

	kit "twsignals/internal/transport"
)

type fakeSender struct{}

func (fakeSender) SendText(_ context.Context, _ kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

// newSinkService builds a Service with the Telegram worker left unstarted
// (Enabled=false) so enqueued items stay in tgQueue for inspection.
func newSinkService(t *testing.T, minLevel string, ratePerSec int) *Service {
	t.Helper()
	s, _ := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{MinLevel: minLevel, RatePerSec: ratePerSec},
	}, fakeSender{})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{" warn ", zerolog.WarnLevel},
		{"Warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()

	t.Run("structured line", func(t *testing.T) {
		t.Parallel()
		in := `{"level":"error","time":"2026-01-02T10:00:00Z","message":"send failed","comp":"dispatch"}`
		got := formatTelegramJSON([]byte(in))
		if !strings.HasPrefix(got, "[ERROR] send failed") {
			t.Fatalf("formatTelegramJSON = %q, want prefix %q", got, "[ERROR] send failed")
		}
		if !strings.Contains(got, "\n- comp=dispatch") {
			t.Fatalf("formatTelegramJSON = %q, missing comp field", got)
		}
		if strings.Contains(got, "2026-01-02") {
			t.Fatalf("formatTelegramJSON = %q, time key should be skipped", got)
		}
	})

	t.Run("msg key fallback", func(t *testing.T) {
		t.Parallel()
		got := formatTelegramJSON([]byte(`{"level":"warn","msg":"short form"}`))
		if got != "[WARN] short form" {
			t.Fatalf("formatTelegramJSON = %q, want %q", got, "[WARN] short form")
		}
	})

	t.Run("plain text passes through trimmed", func(t *testing.T) {
		t.Parallel()
		if got := formatTelegramJSON([]byte("  raw panic line \n")); got != "raw panic line" {
			t.Fatalf("formatTelegramJSON = %q, want %q", got, "raw panic line")
		}
	})

	t.Run("long plain text is rune capped", func(t *testing.T) {
		t.Parallel()
		got := formatTelegramJSON([]byte(strings.Repeat("a", 4000)))
		if n := utf8.RuneCountInString(got); n != 3501 {
			t.Fatalf("rune count = %d, want 3501", n)
		}
		if !strings.HasSuffix(got, "…") {
			t.Fatalf("formatTelegramJSON = ...%q, want ellipsis suffix", got[len(got)-9:])
		}
	})
}

func TestTelegramWriterFiltersByLevel(t *testing.T) {
	t.Parallel()

	s := newSinkService(t, "warn", 10)
	s.SetTelegramTarget("@ops", 7)
	w := &telegramWriter{svc: s}

	if _, err := w.WriteLevel(zerolog.InfoLevel, []byte(`{"level":"info","message":"quiet"}`)); err != nil {
		t.Fatalf("WriteLevel(info) error: %v", err)
	}
	if n := len(s.tgQueue); n != 0 {
		t.Fatalf("queue length after info = %d, want 0", n)
	}

	if _, err := w.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"loud"}`)); err != nil {
		t.Fatalf("WriteLevel(error) error: %v", err)
	}
	select {
	case it := <-s.tgQueue:
		if it.to.Chat != "@ops" || it.to.ThreadID != 7 {
			t.Fatalf("target = %+v, want @ops thread 7", it.to)
		}
		if !strings.Contains(it.msg, "[ERROR] loud") {
			t.Fatalf("msg = %q, want it to contain %q", it.msg, "[ERROR] loud")
		}
	default:
		t.Fatal("error-level record was not enqueued")
	}
}

func TestTelegramWriterRateLimits(t *testing.T) {
	t.Parallel()

	s := newSinkService(t, "warn", 1)
	s.SetTelegramTarget("@ops", 0)
	w := &telegramWriter{svc: s}

	line := []byte(`{"level":"error","message":"burst"}`)
	if _, err := w.WriteLevel(zerolog.ErrorLevel, line); err != nil {
		t.Fatalf("WriteLevel error: %v", err)
	}
	if _, err := w.WriteLevel(zerolog.ErrorLevel, line); err != nil {
		t.Fatalf("WriteLevel error: %v", err)
	}
	if n := len(s.tgQueue); n != 1 {
		t.Fatalf("queue length = %d, want 1 (second record rate limited)", n)
	}
}

func TestTelegramWriterNeedsTarget(t *testing.T) {
	t.Parallel()

	s := newSinkService(t, "warn", 10)
	w := &telegramWriter{svc: s}

	n, err := w.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"x"}`))
	if err != nil || n == 0 {
		t.Fatalf("WriteLevel = (%d, %v), want full write and nil error", n, err)
	}
	if len(s.tgQueue) != 0 {
		t.Fatal("record enqueued without a chat target")
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := Logger{base: zerolog.New(&buf), hasBase: true}
	l = l.With(String("comp", "test"))

	l.Info("hello", Int("n", 3))

	out := buf.String()
	for _, want := range []string{`"message":"hello"`, `"comp":"test"`, `"n":3`, `"caller":"logging_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line %q missing %q", out, want)
		}
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	t.Parallel()

	var zero Logger
	zero.Info("ignored")
	if !zero.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}

	nop := Nop()
	nop.Error("ignored", Err(nil))
	if nop.Enabled(LevelError) {
		t.Fatal("Nop logger should not report any level enabled")
	}
}
