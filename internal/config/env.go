package config

import (
	"os"
	"strings"
)

// Environment overrides. The file stays the source of truth for wiring and
// tuning; the environment carries secrets and deploy-specific endpoints so
// they never have to live on disk. main autoloads a local .env via godotenv.
const (
	EnvWebhookSecret = "TWS_WEBHOOK_SECRET"
	EnvBotToken      = "TWS_BOT_TOKEN"
	EnvChat          = "TWS_CHAT"
	EnvListen        = "TWS_LISTEN"
	EnvOpsToken      = "TWS_OPS_TOKEN"
	EnvRedisPassword = "TWS_REDIS_PASSWORD"
	EnvLogLevel      = "TWS_LOG_LEVEL"
)

// ApplyEnv layers environment values over cfg. Unset or blank variables leave
// the file values alone.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := envValue(EnvWebhookSecret); v != "" {
		cfg.Auth.Secret = v
	}
	if v := envValue(EnvBotToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := envValue(EnvChat); v != "" {
		cfg.Telegram.Chat = v
	}
	if v := envValue(EnvListen); v != "" {
		cfg.Server.Listen = v
	}
	if v := envValue(EnvOpsToken); v != "" {
		cfg.Ops.Token = v
	}
	if v := envValue(EnvRedisPassword); v != "" && cfg.Storage != nil {
		cfg.Storage.Password = v
	}
	if v := envValue(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
}

func envValue(key string) string { return strings.TrimSpace(os.Getenv(key)) }
