package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "twsignals/pkg/logx"
)

// Store persists seen alert keys so the dedup window survives restarts.
type Store interface {
	// PutSeen records that key was accepted and stays a duplicate until the
	// given time.
	PutSeen(ctx context.Context, key string, until time.Time) error

	// GetSeen reports whether key is on record and when the record expires.
	GetSeen(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// Sweep removes expired records and returns how many were dropped.
	// Backends that expire keys natively may return 0.
	Sweep(ctx context.Context) (int, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
