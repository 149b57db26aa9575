// Package alert defines the TradingView alert payload and its validation.
package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed marks a request body that is not valid JSON at all.
// Shape and constraint violations are reported as *ValidationError instead.
var ErrMalformed = errors.New("malformed json")

// Alert is a validated TradingView alert.
//
// Price is decoded as a decimal so the sender's notation survives into the
// rendered message ("45000.0" stays "45000.0", never "45000.000000").
type Alert struct {
	Ticker   string
	Signal   string
	Price    decimal.Decimal
	Time     string
	Interval string
	Chart    string
}

const (
	SignalBuy  = "Buy"
	SignalSell = "Sell"
)

const maxTickerLen = 20

// Key is the idempotency key for this alert: ticker:signal:time.
// Two alerts with the same key inside the dedup window are duplicates.
func (a Alert) Key() string {
	return a.Ticker + ":" + a.Signal + ":" + a.Time
}

// PriceText renders the price preserving the sender's decimal places.
func (a Alert) PriceText() string {
	if exp := a.Price.Exponent(); exp < 0 {
		return a.Price.StringFixed(-exp)
	}
	return a.Price.String()
}

// FieldError names one violated constraint.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"error"`
}

func (e FieldError) Error() string { return e.Field + ": " + e.Msg }

// ValidationError aggregates every violated field of a payload, not just the
// first, so the caller can fix them all in one go.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "invalid payload"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Error())
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Msg: msg})
}

// Parse decodes and validates a raw webhook body.
//
// Errors: ErrMalformed (wrapped) when the body is not JSON at all;
// *ValidationError when the document is not an object or fields are
// missing, mistyped, or violate constraints. All violations are
// collected, not just the first. Unknown fields are ignored so new
// TradingView placeholders don't break existing hooks.
func Parse(raw []byte) (Alert, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// Valid JSON, wrong top-level shape (array, string, ...).
			return Alert{}, &ValidationError{Fields: []FieldError{{Field: "body", Msg: "must be a JSON object"}}}
		}
		return Alert{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return validate(doc)
}

func validate(doc map[string]json.RawMessage) (Alert, error) {
	var a Alert
	verr := &ValidationError{}

	if t, ok := strField(doc, "ticker", verr); ok {
		t = strings.ToUpper(strings.TrimSpace(t))
		switch {
		case t == "":
			verr.add("ticker", "is required")
		case len(t) > maxTickerLen:
			verr.add("ticker", fmt.Sprintf("must be at most %d characters", maxTickerLen))
		default:
			a.Ticker = t
		}
	}

	if sig, ok := strField(doc, "signal", verr); ok {
		switch sig {
		case "":
			verr.add("signal", "is required")
		case SignalBuy, SignalSell:
			a.Signal = sig
		default:
			verr.add("signal", `must be "Buy" or "Sell"`)
		}
	}

	if raw, present := doc["price"]; !present || bytes.Equal(raw, []byte("null")) {
		verr.add("price", "is required")
	} else {
		var p decimal.Decimal
		if err := json.Unmarshal(raw, &p); err != nil {
			verr.add("price", "must be a number")
		} else if p.Sign() <= 0 {
			verr.add("price", "must be positive")
		} else {
			a.Price = p
		}
	}

	if ts, ok := strField(doc, "time", verr); ok {
		ts = strings.TrimSpace(ts)
		switch {
		case ts == "":
			verr.add("time", "is required")
		default:
			if _, parsed := ParseTimestamp(ts); !parsed {
				verr.add("time", "is not a recognized timestamp")
			} else {
				a.Time = ts
			}
		}
	}

	if iv, ok := optStrField(doc, "interval", verr); ok {
		a.Interval = strings.TrimSpace(iv)
	}

	if chart, ok := optStrField(doc, "chart", verr); ok && chart != "" {
		chart = strings.TrimSpace(chart)
		if !strings.HasPrefix(chart, "http://") && !strings.HasPrefix(chart, "https://") {
			verr.add("chart", "must be an http(s) URL")
		} else {
			a.Chart = chart
		}
	}

	if len(verr.Fields) > 0 {
		return Alert{}, verr
	}
	return a, nil
}

// strField reads a required string field. Missing or null records a
// "required" violation; a wrong type records a type violation. ok is true
// only when a string value was actually decoded.
func strField(doc map[string]json.RawMessage, key string, verr *ValidationError) (string, bool) {
	raw, present := doc[key]
	if !present || bytes.Equal(raw, []byte("null")) {
		verr.add(key, "is required")
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		verr.add(key, "must be a string")
		return "", false
	}
	return s, true
}

// optStrField reads an optional string field. Absent or null is fine;
// a wrong type still records a violation.
func optStrField(doc map[string]json.RawMessage, key string, verr *ValidationError) (string, bool) {
	raw, present := doc[key]
	if !present || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		verr.add(key, "must be a string")
		return "", false
	}
	return s, true
}

// timestampLayouts covers the shapes TradingView emits for {{timenow}} and
// {{time}} placeholders.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC3339 (with or without offset), a plain
// "2006-01-02 15:04:05", or a unix epoch in seconds or milliseconds.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		// Millisecond epochs are 13 digits until the year 33658.
		if n >= 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}
