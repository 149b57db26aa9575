package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + journal)
//   - "sqlite": SQLite database file (optional build tag)
//   - "redis": shared Redis instance, useful behind multiple replicas
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Redis driver.
	Addr     string
	Password string
	DB       int
}
