// Package maintenance runs the background chores: the periodic dedup sweep
// and the optional daily digest message. Two fixed jobs on a cron schedule,
// nothing more.
package maintenance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"twsignals/internal/dedupe"
	"twsignals/internal/dispatch"
	"twsignals/internal/storage"
	kit "twsignals/internal/transport"
	logx "twsignals/pkg/logx"
)

const (
	defaultSweepSchedule  = "*/5 * * * *"
	defaultDigestSchedule = "0 9 * * *"

	sweepTimeout = 30 * time.Second
	sendTimeout  = 10 * time.Second
)

type Config struct {
	SweepSchedule string

	DigestEnabled  bool
	DigestSchedule string

	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Deps are the pipeline pieces maintenance operates on. Any of them may be
// nil; the matching job degrades or is skipped.
type Deps struct {
	Cache  *dedupe.Cache
	Store  storage.Store
	Queue  func() dispatch.Stats
	Sender kit.Sender
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	cache  *dedupe.Cache
	store  storage.Store
	queue  func() dispatch.Stats
	sender kit.Sender
	target kit.ChatTarget

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location

	// digest baseline: last reported totals, so each digest covers one period
	lastQueue dispatch.Stats
	lastCache dedupe.Stats
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		cache:  deps.Cache,
		store:  deps.Store,
		queue:  deps.Queue,
		sender: deps.Sender,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.applyLocked(cfg)
	return s
}

// SetTarget points the digest at a chat. Safe to call while running.
func (s *Service) SetTarget(t kit.ChatTarget) {
	s.mu.Lock()
	s.target = t
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = defaultSweepSchedule
	}
	if strings.TrimSpace(cfg.DigestSchedule) == "" {
		cfg.DigestSchedule = defaultDigestSchedule
	}
	s.cfg = cfg
}

// Apply updates config; schedule or timezone changes restart the cron runner.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	s.applyLocked(cfg)
	cur := s.cfg

	if s.c == nil {
		return
	}
	if prev.SweepSchedule != cur.SweepSchedule ||
		prev.DigestSchedule != cur.DigestSchedule ||
		prev.DigestEnabled != cur.DigestEnabled ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cur.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	cur := s.cfg
	jobs := 0

	if s.cache != nil || s.store != nil {
		if _, err := s.c.AddFunc(cur.SweepSchedule, s.runSweep); err != nil {
			s.log.Error("invalid sweep schedule", logx.String("spec", cur.SweepSchedule), logx.Err(err))
		} else {
			jobs++
		}
	}

	if cur.DigestEnabled && s.sender != nil {
		if _, err := s.c.AddFunc(cur.DigestSchedule, s.runDigest); err != nil {
			s.log.Error("invalid digest schedule", logx.String("spec", cur.DigestSchedule), logx.Err(err))
		} else {
			jobs++
		}
	}

	// Baseline the digest counters at startup so the first digest covers
	// only what happened after this process came up.
	if s.queue != nil {
		s.lastQueue = s.queue()
	}
	if s.cache != nil {
		s.lastCache = s.cache.Snapshot()
	}

	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", jobs))
}

func (s *Service) restartLocked() {
	if s.c == nil {
		return
	}
	c := s.c
	s.c = nil
	go func() { <-c.Stop().Done() }()
	s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("maintenance stopped")
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	removedMem := 0
	if s.cache != nil {
		removedMem = s.cache.Sweep()
	}
	removedStore := 0
	if s.store != nil {
		n, err := s.store.Sweep(ctx)
		if err != nil {
			s.log.Warn("store sweep failed", logx.Err(err))
		} else {
			removedStore = n
		}
	}
	if removedMem > 0 || removedStore > 0 {
		s.log.Debug("dedup sweep",
			logx.Int("expired_memory", removedMem),
			logx.Int("expired_store", removedStore),
		)
	}
}
