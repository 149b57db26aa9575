package config

// Config is the root configuration document.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m") unless
// noted otherwise. Secrets (auth.secret, telegram.token, ops.token) can also
// come from the environment; see ApplyEnv.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Telegram TelegramConfig `json:"telegram"`

	// Dispatch controls the outbound delivery pipeline.
	// If omitted, the dispatcher runs with its defaults.
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`

	// Dedupe controls the idempotency cache.
	// If omitted, the cache runs with its defaults.
	Dedupe *DedupeConfig `json:"dedupe,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`

	Logging LoggingConfig `json:"logging"`

	Ops OpsConfig `json:"ops,omitempty"`

	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// ServerConfig controls the public webhook listener.
type ServerConfig struct {
	Listen string `json:"listen"` // default: ":8000"

	// HTTP server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown. Default "10s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// MaxBodyBytes caps the webhook request body. Default 65536.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	// HandlerBudget is the ingest latency target. Requests that take longer
	// are logged, never rejected. Default "150ms".
	HandlerBudget string `json:"handler_budget,omitempty"`
}

// AuthConfig controls webhook signature verification.
//
// Secret is the shared key TradingView alerts are HMAC-signed with.
// Prefer setting it via TWS_WEBHOOK_SECRET over writing it into the file.
type AuthConfig struct {
	Secret string `json:"secret,omitempty"`

	// AllowUnsigned accepts requests that carry no signature header.
	// Only for closed networks; the default is to reject them.
	AllowUnsigned bool `json:"allow_unsigned,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// Chat is the delivery target: a numeric chat ID or an @channelusername.
	Chat string `json:"chat"`

	// ThreadID posts into a forum topic when set.
	ThreadID int `json:"thread_id,omitempty"`

	// Timeout bounds each Bot API call. Default "10s".
	Timeout string `json:"timeout,omitempty"`
}

// DispatchConfig controls the outbound delivery pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 30
//   - max_attempts: 3
//   - retry_base: "1s", retry_factor: 2, retry_max_delay: "30s"
//   - overflow: "drop" ("wait" blocks up to enqueue_wait, default "50ms")
//   - send_timeout: "10s"
type DispatchConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	RatePerSec  int `json:"rate_per_sec,omitempty"`
	MaxAttempts int `json:"max_attempts,omitempty"`

	RetryBase     string  `json:"retry_base,omitempty"`
	RetryFactor   float64 `json:"retry_factor,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`

	// Overflow picks the full-queue policy: "drop" or "wait".
	Overflow    string `json:"overflow,omitempty"`
	EnqueueWait string `json:"enqueue_wait,omitempty"`

	SendTimeout string `json:"send_timeout,omitempty"`
}

// DedupeConfig controls the idempotency cache that drops repeated alerts.
type DedupeConfig struct {
	Window     string `json:"window,omitempty"`      // default "5m"
	MaxEntries int    `json:"max_entries,omitempty"` // default 10000

	// Persist mirrors seen keys into storage so the window survives restarts.
	Persist bool `json:"persist,omitempty"`
}

// StorageConfig controls the optional persistence layer for dedup state.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./twsignals_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // none|file|sqlite|redis
	Path        string `json:"path,omitempty"`         // file, sqlite
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Addr        string `json:"addr,omitempty"`         // redis
	Password    string `json:"password,omitempty"`     // redis
	DB          int    `json:"db,omitempty"`           // redis
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// OpsConfig controls the private operational HTTP server (health, metrics,
// pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so pprof profile captures (which can take 30s+) work reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// MaintenanceConfig controls background housekeeping.
//
// Schedules are standard 5-field cron expressions (seconds field optional)
// evaluated in Timezone, defaulting to the host's local time.
type MaintenanceConfig struct {
	// SweepSchedule prunes expired dedup entries. Default "*/5 * * * *".
	SweepSchedule string `json:"sweep_schedule,omitempty"`

	// Digest posts a delivery summary to the configured chat.
	DigestEnabled  bool   `json:"digest_enabled,omitempty"`
	DigestSchedule string `json:"digest_schedule,omitempty"` // default "0 9 * * *"

	Timezone string `json:"timezone,omitempty"`
}
