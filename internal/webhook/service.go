// Package webhook is the TradingView-facing HTTP ingress. It authenticates
// alert posts with an HMAC signature, validates the payload, suppresses
// duplicates inside the dedup window, and hands accepted alerts to the
// dispatcher. The handler acknowledges with 202 before any Telegram work
// happens so TradingView's short webhook timeout is never at risk.
package webhook

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"twsignals/internal/eventbus"
	rtsup "twsignals/internal/runtime/supervisor"
	kit "twsignals/internal/transport"
	logx "twsignals/pkg/logx"
)

const (
	serviceName  = "twsignals-webhook"
	probeTimeout = 5 * time.Second
)

// Config controls the ingress server.
//
// Listen and the server timeouts take a restart to change; Secret,
// AllowUnsigned, MaxBodyBytes, HandlerBudget and Version are read per
// request and apply live.
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MaxBodyBytes  int64
	HandlerBudget time.Duration
	Version       string

	Secret        string
	AllowUnsigned bool
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	dispatcher Dispatcher
	admitter   Admitter
	prober     kit.Prober
	bus        eventbus.Bus

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, d Dispatcher, adm Admitter, p kit.Prober, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	s := &Service{log: log, dispatcher: d, admitter: adm, prober: p, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the ingress server's internal supervisor (nil if not
// started). Used for operational visibility.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) logger() logx.Logger { return s.log }

func (s *Service) snapshot() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

// Apply updates the live-readable fields. Listen or timeout changes need
// Reconfigure (or Stop/Start) to take effect.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = ":8000"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	// Zero means "use the default budget"; negative disables the warning.
	if cfg.HandlerBudget == 0 {
		cfg.HandlerBudget = 150 * time.Millisecond
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "dev"
	}
	s.cfg = cfg
}

// Reconfigure applies cfg and restarts the server when the bind address or
// server timeouts changed. Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.applyLocked(cfg)
	cur := s.cfg
	running := s.sup != nil
	s.mu.Unlock()

	if !running {
		s.Start(ctx)
		return
	}
	if needsRestart(prev, cur) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	if a.Listen != b.Listen {
		return true
	}
	// Timeouts are fixed at server construction; easiest is restart.
	if a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout {
		return true
	}
	return false
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	for {
		s.mu.Lock()
		// If stopping, wait for it to finish before restarting.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				// loop
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}

		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "webhook"))),
			// A failed bind self-heals under the restart loop; the app stays
			// up so the ops endpoint can report the degraded state.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", func(c context.Context) error {
			return s.serveOnce(c)
		},
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	sup := s.sup
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)

		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("webhook server stopped")
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
		return
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur := s.cfg
	log := s.log
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Listen)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("webhook listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.router(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	// Expose server handles for Stop().
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	// Ensure the server is stopped when the supervisor context is cancelled.
	go func() {
		<-ctx.Done()
		// Keep this bounded; the outer Stop(ctx) does the real graceful shutdown.
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	log.Info("webhook server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("signed", cur.Secret != ""),
		logx.Bool("allow_unsigned", cur.AllowUnsigned),
	)

	err = srv.Serve(ln)

	// Clear handles if we still own them.
	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("webhook server exited unexpectedly")
	}
	return err
}

func (s *Service) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.withRequestID, s.withAccessLog, s.withRecover)
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/telegram", s.handleHealthTelegram).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonError(w, http.StatusNotFound, "Not found", "")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
	})
	return r
}
