package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	_ "github.com/joho/godotenv/autoload"

	"twsignals/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(context.Background()); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	// Under systemd (Type=notify) this flips the unit to active; elsewhere it
	// is a no-op.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	wdCtx, wdCancel := context.WithCancel(context.Background())
	defer wdCancel()
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go func() {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-wdCtx.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	reason := app.StopUnknown
	fatal := false
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
		fatal = true
		if err := a.Err(); err != nil {
			fmt.Println("fatal:", err)
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	wdCancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if fatal {
		os.Exit(1)
	}
}
