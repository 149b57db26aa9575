package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"twsignals/internal/alert"
	"twsignals/internal/dispatch"
	"twsignals/internal/eventbus"
	logx "twsignals/pkg/logx"
)

// Dispatcher hands validated alerts to the delivery pipeline.
type Dispatcher interface {
	Enqueue(ctx context.Context, a alert.Alert, correlationID string) error
}

// Admitter is the idempotency gate. Admit returns false when the key was
// already seen inside the dedup window.
type Admitter interface {
	Admit(ctx context.Context, key string) bool
}

// AcceptedEvent is published on webhook.accepted.
type AcceptedEvent struct {
	Ticker    string        `json:"ticker"`
	Signal    string        `json:"signal"`
	Key       string        `json:"key"`
	RequestID string        `json:"request_id"`
	At        time.Time     `json:"at"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
}

// RejectedEvent is published on webhook.rejected.
type RejectedEvent struct {
	Reason    string        `json:"reason"`
	RequestID string        `json:"request_id"`
	At        time.Time     `json:"at"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := RequestID(r)
	cfg := s.snapshot()

	r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.reject(w, http.StatusRequestEntityTooLarge, "Request body too large", "body_too_large", requestID, start)
			return
		}
		s.reject(w, http.StatusBadRequest, "Unable to read request body", "body_read", requestID, start)
		return
	}

	header := r.Header.Get(SignatureHeader)
	if strings.TrimSpace(header) == "" && cfg.AllowUnsigned {
		// unsigned intake explicitly enabled, typically local testing
	} else if err := VerifySignature(cfg.Secret, body, header); err != nil {
		s.logger().Warn("webhook signature rejected",
			logx.Err(err),
			logx.String("remote", r.RemoteAddr),
			logx.String("request_id", requestID),
		)
		s.reject(w, http.StatusForbidden, "Invalid signature", "signature", requestID, start)
		return
	}

	a, err := alert.Parse(body)
	if err != nil {
		var verr *alert.ValidationError
		if errors.As(err, &verr) {
			s.logger().Debug("webhook payload invalid",
				logx.Int("violations", len(verr.Fields)),
				logx.String("request_id", requestID),
			)
			s.publishRejected("validation", requestID, time.Since(start))
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Status:    "error",
				Message:   "Validation failed",
				Errors:    verr.Fields,
				RequestID: requestID,
			})
			return
		}
		s.reject(w, http.StatusBadRequest, "Invalid JSON payload", "malformed", requestID, start)
		return
	}

	key := a.Key()
	if !s.admitter.Admit(r.Context(), key) {
		// Duplicates get the same ack as fresh alerts so TradingView
		// never retries an alert we already hold.
		s.logger().Debug("duplicate alert suppressed",
			logx.String("key", key),
			logx.String("request_id", requestID),
		)
		s.bus.Publish(eventbus.Event{Type: "dispatch.deduped", Data: dispatch.DeliveryEvent{
			Ticker:        a.Ticker,
			Signal:        a.Signal,
			Key:           key,
			CorrelationID: requestID,
			At:            time.Now(),
		}})
		s.ack(w, requestID)
		s.checkBudget(cfg, start, requestID)
		return
	}

	if err := s.dispatcher.Enqueue(r.Context(), a, requestID); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrQueueFull):
			s.reject(w, http.StatusServiceUnavailable, "Delivery queue is full", "queue_full", requestID, start)
		case errors.Is(err, dispatch.ErrStopped):
			s.reject(w, http.StatusServiceUnavailable, "Service is shutting down", "stopped", requestID, start)
		default:
			s.logger().Error("enqueue failed", logx.Err(err), logx.String("request_id", requestID))
			s.reject(w, http.StatusInternalServerError, "Internal server error", "enqueue", requestID, start)
		}
		return
	}

	s.logger().Info("webhook accepted",
		logx.String("ticker", a.Ticker),
		logx.String("signal", a.Signal),
		logx.String("key", key),
		logx.String("request_id", requestID),
	)
	s.bus.Publish(eventbus.Event{Type: "webhook.accepted", Data: AcceptedEvent{
		Ticker:    a.Ticker,
		Signal:    a.Signal,
		Key:       key,
		RequestID: requestID,
		At:        time.Now(),
		Elapsed:   time.Since(start),
	}})
	s.ack(w, requestID)
	s.checkBudget(cfg, start, requestID)
}

func (s *Service) ack(w http.ResponseWriter, requestID string) {
	writeJSON(w, http.StatusAccepted, ackResponse{
		Status:    "accepted",
		Message:   "Webhook received and processing",
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) reject(w http.ResponseWriter, status int, msg, reason, requestID string, start time.Time) {
	s.publishRejected(reason, requestID, time.Since(start))
	jsonError(w, status, msg, requestID)
}

func (s *Service) publishRejected(reason, requestID string, elapsed time.Duration) {
	s.bus.Publish(eventbus.Event{Type: "webhook.rejected", Data: RejectedEvent{
		Reason:    reason,
		RequestID: requestID,
		At:        time.Now(),
		Elapsed:   elapsed,
	}})
}

// checkBudget flags handlers that blow the intake latency budget. TradingView
// abandons slow hooks, so anything over budget deserves a look.
func (s *Service) checkBudget(cfg Config, start time.Time, requestID string) {
	if cfg.HandlerBudget <= 0 {
		return
	}
	if elapsed := time.Since(start); elapsed > cfg.HandlerBudget {
		s.logger().Warn("webhook handler over latency budget",
			logx.Duration("elapsed", elapsed),
			logx.Duration("budget", cfg.HandlerBudget),
			logx.String("request_id", requestID),
		)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.snapshot()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   serviceName,
		Version:   cfg.Version,
	})
}

func (s *Service) handleHealthTelegram(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC().Format(time.RFC3339)
	if s.prober == nil {
		writeJSON(w, http.StatusServiceUnavailable, telegramHealthResponse{
			Status:            "unhealthy",
			TelegramConnected: false,
			Timestamp:         now,
			Error:             "telegram transport not configured",
		})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	info, err := s.prober.Probe(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, telegramHealthResponse{
			Status:            "unhealthy",
			TelegramConnected: false,
			Timestamp:         now,
			Error:             err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, telegramHealthResponse{
		Status:            "healthy",
		TelegramConnected: true,
		Timestamp:         now,
		Bot:               "@" + info.Username,
	})
}
