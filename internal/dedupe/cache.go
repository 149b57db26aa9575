// Package dedupe drops alerts that were already accepted inside the
// configured window. The key is ticker:signal:time, so the same alert
// re-fired by TradingView collapses into one delivery.
package dedupe

import (
	"context"
	"strings"
	"sync"
	"time"

	"twsignals/internal/storage"
	logx "twsignals/pkg/logx"
)

const (
	defaultWindow     = 5 * time.Minute
	defaultMaxEntries = 10000

	// storeLookupTimeout bounds the synchronous storage probe inside Admit.
	// Ingest latency matters more than a perfect cross-restart window.
	storeLookupTimeout = 25 * time.Millisecond
	persistTimeout     = 250 * time.Millisecond
)

type Config struct {
	Window     time.Duration
	MaxEntries int

	// Persist mirrors admitted keys into storage so the window survives
	// restarts. Ignored when no store is configured.
	Persist bool
}

func (c *Config) normalize() {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries    int
	Admitted   uint64
	Duplicates uint64
	Evicted    uint64
}

type persistItem struct {
	key   string
	until time.Time
}

// Cache is the idempotency gate. Admit is safe for concurrent use and admits
// exactly one caller per key per window.
type Cache struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	store storage.Store

	seen map[string]time.Time

	persistCh chan persistItem

	admitted   uint64
	duplicates uint64
	evicted    uint64
}

// New builds a cache. store may be nil; log may be zero.
func New(cfg Config, log logx.Logger, store storage.Store) *Cache {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		cfg:       cfg,
		log:       log,
		store:     store,
		seen:      make(map[string]time.Time),
		persistCh: make(chan persistItem, 256),
	}
}

// Apply updates the config. A smaller window only affects new admissions;
// entries keep the expiry they were admitted with.
func (c *Cache) Apply(cfg Config) {
	cfg.normalize()
	c.mu.Lock()
	c.cfg = cfg
	c.pruneLocked(time.Now())
	c.mu.Unlock()
}

// Admit reports whether key is new inside the window and, if so, records it.
// Exactly one of any number of concurrent callers with the same key gets
// true; the rest get false. An empty key always admits.
func (c *Cache) Admit(ctx context.Context, key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}
	now := time.Now()

	c.mu.Lock()
	cfg := c.cfg
	if until, ok := c.seen[key]; ok {
		if now.Before(until) {
			c.duplicates++
			c.mu.Unlock()
			return false
		}
		delete(c.seen, key)
	}
	c.mu.Unlock()

	// Consult storage outside the lock; a slow store must not stall ingest.
	if cfg.Persist && c.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeLookupTimeout)
		until, ok, err := c.store.GetSeen(sctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			c.mu.Lock()
			c.seen[key] = until
			c.duplicates++
			c.mu.Unlock()
			return false
		}
		if err != nil {
			c.log.Debug("seen lookup failed", logx.String("key", key), logx.Any("err", err))
		}
	}

	until := now.Add(cfg.Window)
	c.mu.Lock()
	// Re-check: another goroutine may have admitted the key while this one
	// was at the store.
	if u, ok := c.seen[key]; ok && now.Before(u) {
		c.duplicates++
		c.mu.Unlock()
		return false
	}
	c.pruneLocked(now)
	c.seen[key] = until
	c.admitted++
	c.mu.Unlock()

	if cfg.Persist && c.store != nil {
		select {
		case c.persistCh <- persistItem{key: key, until: until}:
		default:
			c.log.Debug("seen persist queue full; dropping", logx.String("key", key))
		}
	}
	return true
}

// pruneLocked keeps the map under MaxEntries: expired entries go first, then
// the entries closest to expiry.
func (c *Cache) pruneLocked(now time.Time) {
	if len(c.seen) < c.cfg.MaxEntries {
		return
	}
	for k, until := range c.seen {
		if !now.Before(until) {
			delete(c.seen, k)
		}
	}
	for len(c.seen) >= c.cfg.MaxEntries {
		var oldestKey string
		var oldestUntil time.Time
		for k, until := range c.seen {
			if oldestKey == "" || until.Before(oldestUntil) {
				oldestKey = k
				oldestUntil = until
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.seen, oldestKey)
		c.evicted++
	}
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.seen)
	for k, until := range c.seen {
		if !now.Before(until) {
			delete(c.seen, k)
		}
	}
	return before - len(c.seen)
}

// Run drains the persist queue into storage. It blocks until ctx is done and
// always returns nil. Only useful when a store is configured.
func (c *Cache) Run(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-c.persistCh:
			pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			err := c.store.PutSeen(pctx, it.key, it.until)
			cancel()
			if err != nil {
				c.log.Debug("seen persist failed", logx.String("key", it.key), logx.Any("err", err))
			}
		}
	}
}

func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    len(c.seen),
		Admitted:   c.admitted,
		Duplicates: c.duplicates,
		Evicted:    c.evicted,
	}
}
