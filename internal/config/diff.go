package config

import (
	"reflect"
	"sort"
	"strings"

	logx "twsignals/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (auth.secret, telegram.token,
// ops.token, storage.password) are reported as "set/unset" only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.listen", strings.TrimSpace(newCfg.Server.Listen)),
			logx.Int64("server.max_body_bytes", newCfg.Server.MaxBodyBytes),
			logx.String("server.handler_budget", strings.TrimSpace(newCfg.Server.HandlerBudget)),
		)
	}

	// Auth (never log the secret itself)
	if (strings.TrimSpace(oldCfg.Auth.Secret) != "") != (strings.TrimSpace(newCfg.Auth.Secret) != "") ||
		oldCfg.Auth.AllowUnsigned != newCfg.Auth.AllowUnsigned {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Bool("auth.secret_set", strings.TrimSpace(newCfg.Auth.Secret) != ""),
			logx.Bool("auth.allow_unsigned", newCfg.Auth.AllowUnsigned),
		)
	}

	// Telegram (never log token)
	if (strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") ||
		strings.TrimSpace(oldCfg.Telegram.Chat) != strings.TrimSpace(newCfg.Telegram.Chat) ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.chat", strings.TrimSpace(newCfg.Telegram.Chat)),
			logx.Int("telegram.thread_id", newCfg.Telegram.ThreadID),
			logx.String("telegram.timeout", strings.TrimSpace(newCfg.Telegram.Timeout)),
		)
	}

	// Dispatch. Section may be nil (omitted); treat nil as runtime defaults
	// for a more accurate summary.
	defD := &DispatchConfig{
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
	}
	oldD := oldCfg.Dispatch
	newD := newCfg.Dispatch
	if oldD == nil {
		oldD = defD
	}
	if newD == nil {
		newD = defD
	}
	if !reflect.DeepEqual(*oldD, *newD) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newD.Workers),
			logx.Int("dispatch.queue_size", newD.QueueSize),
			logx.Int("dispatch.rate_per_sec", newD.RatePerSec),
			logx.Int("dispatch.max_attempts", newD.MaxAttempts),
			logx.String("dispatch.overflow", strings.TrimSpace(newD.Overflow)),
		)
	}

	// Dedupe
	defC := &DedupeConfig{Window: "5m", MaxEntries: 10000}
	oldC := oldCfg.Dedupe
	newC := newCfg.Dedupe
	if oldC == nil {
		oldC = defC
	}
	if newC == nil {
		newC = defC
	}
	if !reflect.DeepEqual(*oldC, *newC) {
		changed = append(changed, "dedupe")
		attrs = append(attrs,
			logx.String("dedupe.window", strings.TrimSpace(newC.Window)),
			logx.Int("dedupe.max_entries", newC.MaxEntries),
			logx.Bool("dedupe.persist", newC.Persist),
		)
	}

	// Storage (never log password). Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy, oAddr, nAddr string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oAddr = strings.TrimSpace(oldCfg.Storage.Addr)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nAddr = strings.TrimSpace(newCfg.Storage.Addr)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oAddr != nAddr || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
			logx.String("storage.addr", nAddr),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops.Enabled != newCfg.Ops.Enabled ||
		strings.TrimSpace(oldCfg.Ops.Addr) != strings.TrimSpace(newCfg.Ops.Addr) ||
		oldCfg.Ops.AllowInsecure != newCfg.Ops.AllowInsecure ||
		strings.TrimSpace(oldCfg.Ops.ReadTimeout) != strings.TrimSpace(newCfg.Ops.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Ops.WriteTimeout) != strings.TrimSpace(newCfg.Ops.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Ops.IdleTimeout) != strings.TrimSpace(newCfg.Ops.IdleTimeout) ||
		oldCfg.Ops.MutexProfileFraction != newCfg.Ops.MutexProfileFraction ||
		oldCfg.Ops.BlockProfileRate != newCfg.Ops.BlockProfileRate ||
		oldCfg.Ops.MemProfileRate != newCfg.Ops.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Ops.Token) != "") != (strings.TrimSpace(newCfg.Ops.Token) != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	// Maintenance. Nil means defaults.
	defM := &MaintenanceConfig{SweepSchedule: "*/5 * * * *", DigestSchedule: "0 9 * * *"}
	oldM := oldCfg.Maintenance
	newM := newCfg.Maintenance
	if oldM == nil {
		oldM = defM
	}
	if newM == nil {
		newM = defM
	}
	if !reflect.DeepEqual(*oldM, *newM) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.sweep_schedule", strings.TrimSpace(newM.SweepSchedule)),
			logx.Bool("maintenance.digest_enabled", newM.DigestEnabled),
			logx.String("maintenance.digest_schedule", strings.TrimSpace(newM.DigestSchedule)),
			logx.String("maintenance.timezone", strings.TrimSpace(newM.Timezone)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
