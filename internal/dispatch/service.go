// Package dispatch delivers validated alerts to the chat: bounded queue,
// worker pool, shared rate limit, and scheduled retries. A retrying delivery
// goes back into the queue with a visible-after instant instead of parking a
// worker in a sleep.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"twsignals/internal/alert"
	"twsignals/internal/eventbus"
	rtsup "twsignals/internal/runtime/supervisor"
	kit "twsignals/internal/transport"
	logx "twsignals/pkg/logx"
)

// Service implements the delivery pipeline. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	target kit.ChatTarget

	accepting bool
	enqueueWG sync.WaitGroup

	q        *queue
	ready    chan *Delivery
	feedStop chan struct{}
	wakeCh   chan struct{}
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	inflight   int
	inflightWG sync.WaitGroup

	delivered uint64
	failed    uint64
	retried   uint64
	dropped   uint64
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the dispatcher's internal supervisor (nil if not started).
// This is used for operational visibility (e.g. /healthz).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// SetTarget points deliveries at a chat. Safe to call while running.
func (s *Service) SetTarget(t kit.ChatTarget) {
	s.mu.Lock()
	s.target = t
	s.mu.Unlock()
}

// Apply updates tuning. Worker count and queue size take effect on the next
// Start; the limiter and retry settings apply immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	// Defaults
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 30
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryFactor < 1 {
		cfg.RetryFactor = 2
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Overflow)) {
	case OverflowWait:
		cfg.Overflow = OverflowWait
	default:
		cfg.Overflow = OverflowDrop
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 50 * time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.q != nil {
		s.mu.Unlock()
		return
	}

	s.q = newQueue(s.cfg.QueueSize)
	s.ready = make(chan *Delivery)
	s.feedStop = make(chan struct{})
	s.wakeCh = make(chan struct{}, 1)
	s.accepting = true
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// Delivery failures should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.q
	ready := s.ready
	feedStop := s.feedStop
	wake := s.wakeCh
	s.mu.Unlock()

	sup.GoRestart("scheduler", func(c context.Context) error {
		s.schedulerLoop(c, q, ready, wake, feedStop)
		// Clean exits happen on shutdown.
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatch scheduler exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, ready, idx)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("dispatch worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake, lets in-flight sends finish, and abandons scheduled
// retries. Deliveries still waiting on a retry are lost on process exit.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.q
	sup := s.sup
	feedStop := s.feedStop
	// If not running, nothing to do.
	if q == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
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
	// Block new enqueues.
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then stop the feed so workers go idle.
		s.enqueueWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(feedStop)
		}()
		// Let sends that already left the queue finish.
		s.inflightWG.Wait()
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.q = nil
		s.ready = nil
		s.feedStop = nil
		s.wakeCh = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
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

// Enqueue admits an alert for delivery. In "drop" overflow mode a full queue
// discards the delivery and returns nil (the webhook was valid; the queue is
// the lossy stage). In "wait" mode it blocks up to EnqueueWait and then
// returns ErrQueueFull so the caller can signal backpressure.
func (s *Service) Enqueue(ctx context.Context, a alert.Alert, correlationID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	if !s.accepting || s.q == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.q
	wake := s.wakeCh
	cfg := s.cfg
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	d := &Delivery{
		Alert:         a,
		CorrelationID: correlationID,
		State:         StatePending,
		EnqueuedAt:    time.Now(),
	}

	ok := q.Push(d)
	if !ok && cfg.Overflow == OverflowWait {
		timer := time.NewTimer(cfg.EnqueueWait)
	waitLoop:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				break waitLoop
			case <-q.space():
				if q.Push(d) {
					ok = true
					break waitLoop
				}
			}
		}
		timer.Stop()
	}

	if !ok {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.publish("dispatch.dropped", d, ErrQueueFull.Error(), 0)
		if cfg.Overflow == OverflowWait {
			return ErrQueueFull
		}
		s.log.Warn("dispatch queue full; alert dropped",
			logx.String("ticker", d.Alert.Ticker),
			logx.String("signal", d.Alert.Signal),
			logx.String("correlation_id", d.CorrelationID),
		)
		return nil
	}

	s.publish("dispatch.queued", d, "", 0)
	select {
	case wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Service) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Inflight:  s.inflight,
		Delivered: s.delivered,
		Failed:    s.failed,
		Retried:   s.retried,
		Dropped:   s.dropped,
	}
	if s.q != nil {
		st.QueueDepth = s.q.Len()
	}
	return st
}

// schedulerLoop hands visible deliveries to workers and sleeps until the next
// one becomes visible.
func (s *Service) schedulerLoop(ctx context.Context, q *queue, ready chan<- *Delivery, wake <-chan struct{}, stop <-chan struct{}) {
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		d, wait := q.Next(time.Now())
		if d != nil {
			select {
			case ready <- d:
				continue
			case <-stop:
				// Hand the slot back; pending work stays visible in Snapshot.
				q.PushRequeue(d)
				return
			case <-ctx.Done():
				q.PushRequeue(d)
				return
			}
		}
		if wait < 0 {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-wake:
		case <-timer.C:
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, ready <-chan *Delivery, idx int) {
	_ = idx // kept for future per-worker metrics
	if ctx == nil {
		ctx = context.Background()
	}
	if ready == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ready:
			if !ok {
				return
			}
			s.inflightWG.Add(1)
			s.deliver(ctx, d)
			s.inflightWG.Done()
		}
	}
}

func (s *Service) deliver(runCtx context.Context, d *Delivery) {
	// config snapshot for this attempt
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	snd := s.sender
	log := s.log
	target := s.target
	s.inflight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if snd == nil {
		return
	}

	// Shared token bucket: callers wait for a slot, never skip the send.
	if lim != nil {
		if err := lim.Wait(runCtx); err != nil {
			// Shutdown while waiting; the attempt never happened.
			s.requeue(d)
			return
		}
	}

	d.State = StateSending
	d.Attempts++

	text := renderMessage(d.Alert)
	opts := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

	callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
	sendStart := time.Now()
	_, err := snd.SendText(callCtx, target, text, opts)
	elapsed := time.Since(sendStart)
	cancel()
	if err == nil {
		d.State = StateDelivered
		d.LastError = ""
		s.mu.Lock()
		s.delivered++
		s.mu.Unlock()
		log.Debug("alert delivered",
			logx.String("ticker", d.Alert.Ticker),
			logx.String("signal", d.Alert.Signal),
			logx.Int("attempt", d.Attempts),
			logx.Duration("elapsed", elapsed),
			logx.String("correlation_id", d.CorrelationID),
		)
		s.publish("dispatch.sent", d, "", elapsed)
		return
	}

	d.LastError = err.Error()
	log.Debug("alert send failed",
		logx.Any("err", err),
		logx.Int("attempt", d.Attempts),
		logx.Int("max", cfg.MaxAttempts),
		logx.String("correlation_id", d.CorrelationID),
	)

	if d.Attempts >= cfg.MaxAttempts || !kit.Retryable(err) {
		d.State = StateFailed
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		log.Error("alert delivery failed",
			logx.String("ticker", d.Alert.Ticker),
			logx.String("signal", d.Alert.Signal),
			logx.Int("attempts", d.Attempts),
			logx.Any("err", err),
			logx.String("correlation_id", d.CorrelationID),
		)
		s.publish("dispatch.failed", d, d.LastError, elapsed)
		return
	}

	delay := retryDelay(cfg, d.Attempts)
	if hint, ok := kit.RetryAfterHint(err); ok && hint > 0 {
		// The API said exactly when to come back; guessing earlier only
		// burns an attempt.
		delay = hint
	}
	d.State = StateRetrying
	d.VisibleAfter = time.Now().Add(delay)
	s.mu.Lock()
	s.retried++
	s.mu.Unlock()
	s.publish("dispatch.retried", d, d.LastError, elapsed)
	s.requeue(d)
}

// requeue puts a delivery back regardless of the cap and nudges the scheduler.
func (s *Service) requeue(d *Delivery) {
	s.mu.Lock()
	q := s.q
	wake := s.wakeCh
	s.mu.Unlock()
	if q == nil {
		return
	}
	q.PushRequeue(d)
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (s *Service) publish(typ string, d *Delivery, errStr string, elapsed time.Duration) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: DeliveryEvent{
		Ticker:        d.Alert.Ticker,
		Signal:        d.Alert.Signal,
		Key:           d.Alert.Key(),
		CorrelationID: d.CorrelationID,
		Attempts:      d.Attempts,
		At:            now,
		Elapsed:       elapsed,
		Error:         errStr,
	}})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt is the number of attempts already made; the delay is for the next one.
	base := cfg.RetryBase
	if base <= 0 {
		base = time.Second
	}
	factor := cfg.RetryFactor
	if factor < 1 {
		factor = 2
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 30 * time.Second
	}
	// Geometric backoff: base * factor^(attempt-1)
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
		if time.Duration(d) >= maxD {
			d = float64(maxD)
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	out := time.Duration(d * j)
	if out < 0 {
		return 0
	}
	if out > maxD {
		out = maxD
	}
	return out
}
