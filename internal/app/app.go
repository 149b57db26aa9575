package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"twsignals/internal/dedupe"
	"twsignals/internal/dispatch"
	"twsignals/internal/eventbus"
	"twsignals/internal/maintenance"
	"twsignals/internal/metrics"
	"twsignals/internal/observability/ops"
	"twsignals/internal/storage"
	telegram "twsignals/internal/transport/telegram"
	"twsignals/internal/webhook"
	logx "twsignals/pkg/logx"
)

// Version is stamped at build time:
//
//	go build -ldflags "-X twsignals/internal/app.Version=1.2.3"
var Version = "dev"

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	cache *dedupe.Cache
	disp  *dispatch.Service
	web   *webhook.Service
	ops   *ops.Service
	maint *maintenance.Service
	mtr   *metrics.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Fail fast on an unusable boot config. Hot reloads go through the
	// validator instead and keep the previous config on error.
	if err := validateAuth(cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Telegram.Chat) == "" {
		return nil, fmt.Errorf("telegram.chat is required (set TWS_CHAT or telegram.chat)")
	}
	if _, err := parseDurationField("server.shutdown_timeout", cfg.Server.ShutdownTimeout); err != nil {
		return nil, err
	}

	sendTimeout, err := parseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		Timeout: sendTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Logging service mapping
	// Important: logx.New() calls Apply() immediately. If Telegram logging is enabled but the target
	// chat/thread isn't configured yet, Apply() will emit a warning. To avoid a false-positive warning,
	// we bootstrap with Telegram logging disabled, set the target, then Apply() the final config.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    false, // set target first, then enable via Apply()
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	logSvc.SetTelegramTarget(strings.TrimSpace(cfg.Telegram.Chat), cfg.Logging.Telegram.ThreadID)

	// Apply final logging config (including Telegram enable flag).
	finalLogCfg := baseLogCfg
	finalLogCfg.Telegram.Enabled = cfg.Logging.Telegram.Enabled
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dcfg, err := mapDedupeConfig(cfg)
	if err != nil {
		return nil, err
	}
	cache := dedupe.New(dcfg, log.With(logx.String("comp", "dedupe")), store)

	pcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(pcfg, ad, log.With(logx.String("comp", "dispatch")), bus)
	disp.SetTarget(chatTarget(cfg))

	wcfg, err := mapWebhookConfig(cfg)
	if err != nil {
		return nil, err
	}
	web := webhook.New(wcfg, disp, cache, ad, log.With(logx.String("comp", "webhook")), bus)

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsSvc := ops.New(ocfg, log.With(logx.String("comp", "ops")), ops.HealthSource{
		Version: Version,
		Queue:   disp.Snapshot,
		Cache:   cache.Snapshot,
	})

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(mcfg, maintenance.Deps{
		Cache:  cache,
		Store:  store,
		Queue:  disp.Snapshot,
		Sender: ad,
	}, log.With(logx.String("comp", "maintenance")))
	maint.SetTarget(chatTarget(cfg))

	mtr := metrics.NewService(bus, log.With(logx.String("comp", "metrics")))
	metrics.RegisterPipelineGauges(disp.Snapshot, cache.Snapshot)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		cache:   cache,
		disp:    disp,
		web:     web,
		ops:     opsSvc,
		maint:   maint,
		mtr:     mtr,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// ShutdownTimeout is the configured bound for graceful shutdown.
func (a *App) ShutdownTimeout() time.Duration {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return 10 * time.Second
	}
	d, err := parseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 10*time.Second)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			if err := validateAuth(cfg); err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Telegram.Chat) == "" {
				return fmt.Errorf("telegram.chat is required")
			}
			if _, err := parseDurationField("telegram.timeout", cfg.Telegram.Timeout); err != nil {
				return err
			}
			if _, err := parseDurationField("server.shutdown_timeout", cfg.Server.ShutdownTimeout); err != nil {
				return err
			}
			if _, err := mapWebhookConfig(cfg); err != nil {
				return err
			}
			if _, err := mapDispatchConfig(cfg); err != nil {
				return err
			}
			if _, err := mapDedupeConfig(cfg); err != nil {
				return err
			}
			if _, _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			if _, err := mapOpsConfig(cfg); err != nil {
				return err
			}
			if _, err := mapMaintenanceConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	runCtx := a.sup.Context()

	// The persist drain starts before intake so admitted keys reach the store
	// from the first request on.
	if a.store != nil {
		a.sup.Go("dedupe.persist", a.cache.Run)
	}

	a.sup.Go("metrics.consume", a.mtr.Run)

	a.disp.Start(runCtx)
	a.web.Start(runCtx)
	a.ops.Start(runCtx)
	a.maint.Start(runCtx)

	// Boot probe: confirm the token resolves to a bot without blocking startup.
	a.sup.Go0("telegram.probe", func(c context.Context) {
		pctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		info, err := a.adapter.Probe(pctx)
		if err != nil {
			a.log.Warn("telegram probe failed; deliveries will retry", logx.Err(err))
			return
		}
		a.log.Info("telegram bot ready",
			logx.String("username", "@"+info.Username),
			logx.Int64("id", info.ID),
		)
	})

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise under alert bursts.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logs.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				prev := lastApplied
				lastApplied = newCfg

				// The adapter is built once around its token; flag the fields
				// that need a restart instead of half-applying them.
				if prev != nil && prev.Telegram.Token != newCfg.Telegram.Token {
					a.log.Warn("telegram.token changed; restart required for the new token to take effect")
				}
				if prev != nil && prev.Telegram.Timeout != newCfg.Telegram.Timeout {
					a.log.Warn("telegram.timeout changed; restart required for the new timeout to take effect")
				}
				for _, sec := range sections {
					if sec == "storage" {
						a.log.Warn("storage config changed; restart required for changes to take effect")
						break
					}
				}

				// update log target first (so Apply() doesn't warn when Telegram logging is enabled)
				a.logs.SetTelegramTarget(strings.TrimSpace(newCfg.Telegram.Chat), newCfg.Logging.Telegram.ThreadID)

				// apply logging updates
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
					Telegram: logx.TelegramConfig{
						Enabled:    newCfg.Logging.Telegram.Enabled,
						ThreadID:   newCfg.Logging.Telegram.ThreadID,
						MinLevel:   newCfg.Logging.Telegram.MinLevel,
						RatePerSec: newCfg.Logging.Telegram.RatePerSec,
					},
				})

				// delivery target applies live
				target := chatTarget(newCfg)
				a.disp.SetTarget(target)
				a.maint.SetTarget(target)

				if dcfg, err := mapDispatchConfig(newCfg); err != nil {
					a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
				} else {
					a.disp.Apply(dcfg)
				}

				if ccfg, err := mapDedupeConfig(newCfg); err != nil {
					a.log.Warn("invalid dedupe config; keeping previous", logx.Err(err))
				} else {
					a.cache.Apply(ccfg)
				}

				if wcfg, err := mapWebhookConfig(newCfg); err != nil {
					a.log.Warn("invalid server config; keeping previous", logx.Err(err))
				} else {
					a.web.Reconfigure(c, wcfg)
				}

				if ocfg, err := mapOpsConfig(newCfg); err != nil {
					a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
				} else {
					a.ops.Reconfigure(c, ocfg)
				}

				if mcfg, err := mapMaintenanceConfig(newCfg); err != nil {
					a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
				} else {
					a.maint.Apply(mcfg)
				}

				if a.bus != nil {
					a.bus.Publish(eventbus.Event{Type: "config.reloaded"})
				}

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("version", Version))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first so nothing new enters the pipeline, then drain deliveries
	// while the run context is still alive.
	step("webhook", 3*time.Second, func(c context.Context) error { a.web.Stop(c); return nil })
	step("maintenance", 1*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("dispatch", 12*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })

	// Now unwind the app-level loops (config watch/reload, metrics, dedupe persist).
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	// Close storage last; the persist drain above was its final writer.
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
