package dispatch

import (
	"errors"
	"time"

	"twsignals/internal/alert"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch stopped")
)

// State tracks a delivery through the pipeline.
type State string

const (
	StatePending   State = "pending"
	StateSending   State = "sending"
	StateRetrying  State = "retrying"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// Delivery is one alert on its way to the chat.
//
// Attempts counts send attempts actually made. VisibleAfter schedules
// retries: the queue never hands out a delivery before that instant, and
// workers never sleep holding one.
type Delivery struct {
	Alert         alert.Alert
	CorrelationID string

	State        State
	Attempts     int
	EnqueuedAt   time.Time
	VisibleAfter time.Time
	LastError    string
}

// Config controls the delivery pipeline.
type Config struct {
	Workers     int
	QueueSize   int
	RatePerSec  int
	MaxAttempts int

	RetryBase     time.Duration
	RetryFactor   float64
	RetryMaxDelay time.Duration

	// Overflow picks the full-queue policy: "drop" acknowledges the webhook
	// and discards the delivery, "wait" blocks Enqueue up to EnqueueWait.
	Overflow    string
	EnqueueWait time.Duration

	SendTimeout time.Duration
}

const (
	OverflowDrop = "drop"
	OverflowWait = "wait"
)

// Stats is a point-in-time snapshot of pipeline activity.
type Stats struct {
	QueueDepth int
	Inflight   int
	Delivered  uint64
	Failed     uint64
	Retried    uint64
	Dropped    uint64
}

// DeliveryEvent is emitted on the event bus for dispatch lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type DeliveryEvent struct {
	Ticker        string        `json:"ticker"`
	Signal        string        `json:"signal"`
	Key           string        `json:"key"`
	CorrelationID string        `json:"correlation_id"`
	Attempts      int           `json:"attempts,omitempty"`
	At            time.Time     `json:"at"`
	Elapsed       time.Duration `json:"elapsed,omitempty"`
	Error         string        `json:"error,omitempty"`
}
