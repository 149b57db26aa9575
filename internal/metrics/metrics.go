// Package metrics exposes Prometheus collectors for the alert pipeline.
// Counters and histograms are fed from the event bus so pipeline stages
// never import this package.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"twsignals/internal/dedupe"
	"twsignals/internal/dispatch"
	"twsignals/internal/eventbus"
	"twsignals/internal/webhook"
	logx "twsignals/pkg/logx"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	webhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twsignals",
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Webhook posts by outcome (accepted, deduped, rejected).",
		},
		[]string{"outcome"},
	)

	webhookRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twsignals",
			Subsystem: "webhook",
			Name:      "rejections_total",
			Help:      "Rejected webhook posts by reason.",
		},
		[]string{"reason"},
	)

	webhookDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "twsignals",
			Subsystem: "webhook",
			Name:      "request_duration_seconds",
			Help:      "Time spent inside the webhook handler.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
		},
	)

	enqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "twsignals",
			Subsystem: "dispatch",
			Name:      "enqueued_total",
			Help:      "Alerts accepted into the delivery queue.",
		},
	)

	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twsignals",
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Delivery outcomes (sent, failed, dropped).",
		},
		[]string{"outcome"},
	)

	retries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "twsignals",
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Send attempts that were rescheduled for retry.",
		},
	)

	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "twsignals",
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Duration of Telegram send attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"outcome"},
	)

	configReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "twsignals",
			Name:      "config_reloads_total",
			Help:      "Applied configuration hot reloads.",
		},
	)
)

func init() {
	Registry.MustRegister(
		webhookRequests,
		webhookRejections,
		webhookDuration,
		enqueued,
		deliveries,
		retries,
		sendDuration,
		configReloads,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

var gaugesOnce sync.Once

// RegisterPipelineGauges exposes live queue and dedup gauges backed by the
// given snapshot functions. Snapshots must be cheap; Prometheus calls them
// on every scrape. Repeated calls are no-ops.
func RegisterPipelineGauges(queue func() dispatch.Stats, cache func() dedupe.Stats) {
	gaugesOnce.Do(func() {
		if queue != nil {
			Registry.MustRegister(
				prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Namespace: "twsignals",
					Subsystem: "dispatch",
					Name:      "queue_depth",
					Help:      "Deliveries waiting in the queue (including scheduled retries).",
				}, func() float64 { return float64(queue().QueueDepth) }),
				prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Namespace: "twsignals",
					Subsystem: "dispatch",
					Name:      "inflight",
					Help:      "Deliveries currently being sent.",
				}, func() float64 { return float64(queue().Inflight) }),
			)
		}
		if cache != nil {
			Registry.MustRegister(
				prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Namespace: "twsignals",
					Subsystem: "dedupe",
					Name:      "entries",
					Help:      "Alert keys currently inside the dedup window.",
				}, func() float64 { return float64(cache().Entries) }),
			)
		}
	})
}

// Service keeps the collectors current by consuming pipeline events.
type Service struct {
	log logx.Logger
	bus eventbus.Bus
}

func NewService(bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, bus: bus}
}

// Run consumes events until ctx is cancelled. Run under a supervisor.
func (s *Service) Run(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	ch, unsub := s.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			record(e)
		}
	}
}

func record(e eventbus.Event) {
	switch e.Type {
	case "webhook.accepted":
		webhookRequests.WithLabelValues("accepted").Inc()
		if ev, ok := e.Data.(webhook.AcceptedEvent); ok && ev.Elapsed > 0 {
			webhookDuration.Observe(ev.Elapsed.Seconds())
		}
	case "webhook.rejected":
		webhookRequests.WithLabelValues("rejected").Inc()
		reason := "other"
		if ev, ok := e.Data.(webhook.RejectedEvent); ok {
			if ev.Reason != "" {
				reason = ev.Reason
			}
			if ev.Elapsed > 0 {
				webhookDuration.Observe(ev.Elapsed.Seconds())
			}
		}
		webhookRejections.WithLabelValues(reason).Inc()
	case "dispatch.deduped":
		webhookRequests.WithLabelValues("deduped").Inc()
	case "dispatch.queued":
		enqueued.Inc()
	case "dispatch.sent":
		deliveries.WithLabelValues("sent").Inc()
		observeSend(e, "sent")
	case "dispatch.failed":
		deliveries.WithLabelValues("failed").Inc()
		observeSend(e, "failed")
	case "dispatch.retried":
		retries.Inc()
		observeSend(e, "retried")
	case "dispatch.dropped":
		deliveries.WithLabelValues("dropped").Inc()
	case "config.reloaded":
		configReloads.Inc()
	}
}

func observeSend(e eventbus.Event, outcome string) {
	if ev, ok := e.Data.(dispatch.DeliveryEvent); ok && ev.Elapsed > 0 {
		sendDuration.WithLabelValues(outcome).Observe(ev.Elapsed.Seconds())
	}
}
