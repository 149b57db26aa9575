package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	logx "twsignals/pkg/logx"
)

// renderAttrs runs the fields through a real zerolog event so assertions see
// exactly what would land in the log output.
func renderAttrs(t *testing.T, fields []logx.Field) string {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range fields {
		f(ev)
	}
	ev.Send()
	return buf.String()
}

func TestSummarizeConfigChangeNoChange(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Server:   ServerConfig{Listen: ":8100"},
		Telegram: TelegramConfig{Token: "123:abc", Chat: "@alerts"},
	}
	same := *cfg
	changed, attrs := SummarizeConfigChange(cfg, &same)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
	if len(attrs) != 0 {
		t.Fatalf("attrs = %d fields, want none", len(attrs))
	}
}

func TestSummarizeConfigChangeSectionsSorted(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Server:   ServerConfig{Listen: ":8100"},
		Telegram: TelegramConfig{Token: "123:abc", Chat: "@alerts"},
	}
	newCfg := &Config{
		Server:   ServerConfig{Listen: ":8200"},
		Auth:     AuthConfig{AllowUnsigned: true},
		Telegram: TelegramConfig{Token: "123:abc", Chat: "@other"},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if got, want := strings.Join(changed, ","), "auth,server,telegram"; got != want {
		t.Fatalf("changed = %q, want %q", got, want)
	}
}

func TestSummarizeConfigChangeRedactsSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{}
	newCfg := &Config{
		Auth:     AuthConfig{Secret: "hunter2-secret"},
		Telegram: TelegramConfig{Token: "123:SECRETTOKEN", Chat: "@alerts"},
		Ops:      OpsConfig{Enabled: true, Token: "ops-secret-token"},
		Storage:  &StorageConfig{Driver: "redis", Addr: "localhost:6379", Password: "redis-secret"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	for _, section := range []string{"auth", "telegram", "ops", "storage"} {
		found := false
		for _, c := range changed {
			if c == section {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("changed = %v, missing section %q", changed, section)
		}
	}

	out := renderAttrs(t, attrs)
	for _, secret := range []string{"hunter2-secret", "SECRETTOKEN", "ops-secret-token", "redis-secret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("attrs leaked secret %q: %s", secret, out)
		}
	}
	for _, want := range []string{`"auth.secret_set":true`, `"telegram.token_set":true`, `"ops.token_set":true`, `"storage.driver":"redis"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("attrs missing %s: %s", want, out)
		}
	}
}

func TestSummarizeConfigChangeIgnoresSecretRotation(t *testing.T) {
	t.Parallel()

	// Rotating a secret keeps its set/unset state, so the summary stays quiet
	// rather than hinting that a credential moved.
	oldCfg := &Config{
		Auth:     AuthConfig{Secret: "old-secret"},
		Telegram: TelegramConfig{Token: "123:old", Chat: "@alerts"},
	}
	newCfg := &Config{
		Auth:     AuthConfig{Secret: "new-secret"},
		Telegram: TelegramConfig{Token: "123:new", Chat: "@alerts"},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none for a pure secret rotation", changed)
	}
}

func TestSummarizeConfigChangeNilSectionsMeanDefaults(t *testing.T) {
	t.Parallel()

	explicitDefaults := &Config{
		Dispatch: &DispatchConfig{
			Workers:       2,
			QueueSize:     256,
			RatePerSec:    30,
			MaxAttempts:   3,
			RetryBase:     "1s",
			RetryFactor:   2,
			RetryMaxDelay: "30s",
			Overflow:      "drop",
			EnqueueWait:   "50ms",
			SendTimeout:   "10s",
		},
		Dedupe:      &DedupeConfig{Window: "5m", MaxEntries: 10000},
		Maintenance: &MaintenanceConfig{SweepSchedule: "*/5 * * * *", DigestSchedule: "0 9 * * *"},
	}
	changed, _ := SummarizeConfigChange(&Config{}, explicitDefaults)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none when sections spell out the defaults", changed)
	}

	tuned := &Config{Dispatch: &DispatchConfig{Workers: 4}}
	changed, _ = SummarizeConfigChange(&Config{}, tuned)
	if got, want := strings.Join(changed, ","), "dispatch"; got != want {
		t.Fatalf("changed = %q, want %q", got, want)
	}
}

func TestSummarizeConfigChangeNilArgs(t *testing.T) {
	t.Parallel()

	changed, _ := SummarizeConfigChange(nil, &Config{Server: ServerConfig{Listen: ":8100"}})
	if got, want := strings.Join(changed, ","), "server"; got != want {
		t.Fatalf("changed = %q, want %q", got, want)
	}
	changed, _ = SummarizeConfigChange(nil, nil)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none for nil args", changed)
	}
}
