package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"twsignals/internal/dedupe"
	"twsignals/internal/dispatch"
	"twsignals/internal/maintenance"
	"twsignals/internal/observability/ops"
	"twsignals/internal/storage"
	kit "twsignals/internal/transport"
	"twsignals/internal/webhook"
)

// The mapX functions translate the JSON/YAML config document into typed
// service configs. They double as reload validation: every duration, enum
// and schedule is parsed here, so a bad edit is rejected before publish.

func validateAuth(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if strings.TrimSpace(cfg.Auth.Secret) == "" && !cfg.Auth.AllowUnsigned {
		return fmt.Errorf("auth.secret is required (set TWS_WEBHOOK_SECRET or auth.allow_unsigned: true)")
	}
	return nil
}

func chatTarget(cfg *Config) kit.ChatTarget {
	if cfg == nil {
		return kit.ChatTarget{}
	}
	return kit.ChatTarget{
		Chat:     strings.TrimSpace(cfg.Telegram.Chat),
		ThreadID: cfg.Telegram.ThreadID,
	}
}

func mapWebhookConfig(cfg *Config) (webhook.Config, error) {
	var out webhook.Config
	if cfg == nil {
		return out, nil
	}
	s := cfg.Server

	read, err := parseDurationField("server.read_timeout", s.ReadTimeout)
	if err != nil {
		return out, err
	}
	write, err := parseDurationField("server.write_timeout", s.WriteTimeout)
	if err != nil {
		return out, err
	}
	idle, err := parseDurationField("server.idle_timeout", s.IdleTimeout)
	if err != nil {
		return out, err
	}
	budget, err := parseDurationField("server.handler_budget", s.HandlerBudget)
	if err != nil {
		return out, err
	}

	return webhook.Config{
		Listen:        s.Listen,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		MaxBodyBytes:  s.MaxBodyBytes,
		HandlerBudget: budget,
		Version:       Version,
		Secret:        cfg.Auth.Secret,
		AllowUnsigned: cfg.Auth.AllowUnsigned,
	}, nil
}

func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	var out dispatch.Config
	if cfg == nil || cfg.Dispatch == nil {
		// zero config; the dispatcher fills in its defaults
		return out, nil
	}
	d := cfg.Dispatch

	base, err := parseDurationField("dispatch.retry_base", d.RetryBase)
	if err != nil {
		return out, err
	}
	maxDelay, err := parseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return out, err
	}
	wait, err := parseDurationField("dispatch.enqueue_wait", d.EnqueueWait)
	if err != nil {
		return out, err
	}
	send, err := parseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return out, err
	}

	overflow := strings.ToLower(strings.TrimSpace(d.Overflow))
	switch overflow {
	case "", dispatch.OverflowDrop, dispatch.OverflowWait:
	default:
		return out, fmt.Errorf("dispatch.overflow: must be %q or %q, got %q",
			dispatch.OverflowDrop, dispatch.OverflowWait, d.Overflow)
	}

	if d.Workers < 0 {
		return out, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if d.QueueSize < 0 {
		return out, fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if d.RatePerSec < 0 {
		return out, fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	if d.MaxAttempts < 0 {
		return out, fmt.Errorf("dispatch.max_attempts must be >= 0")
	}

	return dispatch.Config{
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		RatePerSec:    d.RatePerSec,
		MaxAttempts:   d.MaxAttempts,
		RetryBase:     base,
		RetryFactor:   d.RetryFactor,
		RetryMaxDelay: maxDelay,
		Overflow:      overflow,
		EnqueueWait:   wait,
		SendTimeout:   send,
	}, nil
}

func mapDedupeConfig(cfg *Config) (dedupe.Config, error) {
	var out dedupe.Config
	if cfg == nil || cfg.Dedupe == nil {
		return out, nil
	}
	d := cfg.Dedupe

	window, err := parseDurationField("dedupe.window", d.Window)
	if err != nil {
		return out, err
	}
	if d.MaxEntries < 0 {
		return out, fmt.Errorf("dedupe.max_entries must be >= 0")
	}

	return dedupe.Config{
		Window:     window,
		MaxEntries: d.MaxEntries,
		Persist:    d.Persist,
	}, nil
}

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		addr := strings.TrimSpace(sc.Addr)
		if addr == "" {
			return storage.Config{}, false, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: "redis", Addr: addr, Password: sc.Password, DB: sc.DB}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

func mapOpsConfig(cfg *Config) (ops.Config, error) {
	var out ops.Config
	if cfg == nil {
		return out, nil
	}
	o := cfg.Ops

	read, err := parseDurationField("ops.read_timeout", o.ReadTimeout)
	if err != nil {
		return out, err
	}
	write, err := parseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return out, err
	}
	idle, err := parseDurationField("ops.idle_timeout", o.IdleTimeout)
	if err != nil {
		return out, err
	}

	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 o.Addr,
		Token:                o.Token,
		AllowInsecure:        o.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
		MemProfileRate:       o.MemProfileRate,
	}, nil
}

// cronParser mirrors the parser maintenance schedules run under, so reload
// validation rejects exactly what Start would reject.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func mapMaintenanceConfig(cfg *Config) (maintenance.Config, error) {
	var out maintenance.Config
	if cfg == nil || cfg.Maintenance == nil {
		return out, nil
	}
	m := cfg.Maintenance

	if spec := strings.TrimSpace(m.SweepSchedule); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			return out, fmt.Errorf("maintenance.sweep_schedule: invalid %q: %w", spec, err)
		}
	}
	if spec := strings.TrimSpace(m.DigestSchedule); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			return out, fmt.Errorf("maintenance.digest_schedule: invalid %q: %w", spec, err)
		}
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return out, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}

	return maintenance.Config{
		SweepSchedule:  m.SweepSchedule,
		DigestEnabled:  m.DigestEnabled,
		DigestSchedule: m.DigestSchedule,
		Timezone:       m.Timezone,
	}, nil
}
