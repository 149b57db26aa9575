package alert

import (
	"errors"
	"testing"
	"time"
)

func TestParseValid(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"ticker": " btcusdt ",
		"signal": "Buy",
		"price": 43250.50,
		"time": "2024-01-15T10:30:00Z",
		"interval": "15m",
		"chart": "https://www.tradingview.com/chart/abc/",
		"strategy": "ignored extra field"
	}`)

	a, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if a.Ticker != "BTCUSDT" {
		t.Fatalf("Ticker = %q, want BTCUSDT", a.Ticker)
	}
	if a.Signal != SignalBuy {
		t.Fatalf("Signal = %q, want Buy", a.Signal)
	}
	if got := a.PriceText(); got != "43250.50" {
		t.Fatalf("PriceText = %q, want 43250.50", got)
	}
	if a.Interval != "15m" {
		t.Fatalf("Interval = %q, want 15m", a.Interval)
	}
	if a.Chart == "" {
		t.Fatal("Chart not set")
	}
	if got, want := a.Key(), "BTCUSDT:Buy:2024-01-15T10:30:00Z"; got != want {
		t.Fatalf("Key = %q, want %q", got, want)
	}
}

func TestParseMinimal(t *testing.T) {
	t.Parallel()
	a, err := Parse([]byte(`{"ticker":"ETHUSDT","signal":"Sell","price":"2150.0","time":"1705314600"}`))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if a.Interval != "" || a.Chart != "" {
		t.Fatalf("optional fields should stay empty, got interval=%q chart=%q", a.Interval, a.Chart)
	}
	// Quoted numbers are accepted; trailing zeros survive.
	if got := a.PriceText(); got != "2150.0" {
		t.Fatalf("PriceText = %q, want 2150.0", got)
	}
}

func TestParseFieldViolations(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{name: "missing ticker", raw: `{"signal":"Buy","price":1,"time":"1705314600"}`, field: "ticker"},
		{name: "blank ticker", raw: `{"ticker":"  ","signal":"Buy","price":1,"time":"1705314600"}`, field: "ticker"},
		{name: "ticker too long", raw: `{"ticker":"ABCDEFGHIJKLMNOPQRSTU","signal":"Buy","price":1,"time":"1705314600"}`, field: "ticker"},
		{name: "ticker wrong type", raw: `{"ticker":42,"signal":"Buy","price":1,"time":"1705314600"}`, field: "ticker"},
		{name: "unknown signal", raw: `{"ticker":"X","signal":"Hold","price":1,"time":"1705314600"}`, field: "signal"},
		{name: "lowercase signal", raw: `{"ticker":"X","signal":"buy","price":1,"time":"1705314600"}`, field: "signal"},
		{name: "missing price", raw: `{"ticker":"X","signal":"Buy","time":"1705314600"}`, field: "price"},
		{name: "null price", raw: `{"ticker":"X","signal":"Buy","price":null,"time":"1705314600"}`, field: "price"},
		{name: "price not a number", raw: `{"ticker":"X","signal":"Buy","price":"soon","time":"1705314600"}`, field: "price"},
		{name: "zero price", raw: `{"ticker":"X","signal":"Buy","price":0,"time":"1705314600"}`, field: "price"},
		{name: "negative price", raw: `{"ticker":"X","signal":"Buy","price":-5,"time":"1705314600"}`, field: "price"},
		{name: "missing time", raw: `{"ticker":"X","signal":"Buy","price":1}`, field: "time"},
		{name: "unparseable time", raw: `{"ticker":"X","signal":"Buy","price":1,"time":"yesterday"}`, field: "time"},
		{name: "interval wrong type", raw: `{"ticker":"X","signal":"Buy","price":1,"time":"1705314600","interval":15}`, field: "interval"},
		{name: "chart not a url", raw: `{"ticker":"X","signal":"Buy","price":1,"time":"1705314600","chart":"ftp://x"}`, field: "chart"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Parse error = %v, want *ValidationError", err)
			}
			found := false
			for _, f := range verr.Fields {
				if f.Field == tt.field {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("violations %v do not mention field %q", verr.Fields, tt.field)
			}
		})
	}
}

func TestParseCollectsAllViolations(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte(`{"signal":"Hold","price":-1,"time":"nope"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Parse error = %v, want *ValidationError", err)
	}
	if len(verr.Fields) != 4 {
		t.Fatalf("got %d violations (%v), want 4", len(verr.Fields), verr.Fields)
	}
}

func TestParseNonObjectBody(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{`[1,2,3]`, `"alert"`, `42`} {
		_, err := Parse([]byte(raw))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Parse(%s) error = %v, want *ValidationError", raw, err)
		}
		if len(verr.Fields) != 1 || verr.Fields[0].Field != "body" {
			t.Fatalf("Parse(%s) violations = %v, want single body violation", raw, verr.Fields)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte(`{"ticker": `))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Parse error = %v, want ErrMalformed", err)
	}
}

func TestParseTimestampVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{name: "rfc3339 utc", raw: "2024-01-15T10:30:00Z", want: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{name: "rfc3339 offset", raw: "2024-01-15T10:30:00+07:00", want: time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("", 7*3600))},
		{name: "no offset", raw: "2024-01-15T10:30:00", want: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{name: "space separated", raw: "2024-01-15 10:30:00", want: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{name: "unix seconds", raw: "1705314600", want: time.Unix(1705314600, 0)},
		{name: "unix millis", raw: "1705314600000", want: time.UnixMilli(1705314600000)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.raw)
			if !ok {
				t.Fatalf("ParseTimestamp(%q) not recognized", tt.raw)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("ParseTimestamp(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}

	for _, raw := range []string{"", "soon", "-1705314600", "10:30"} {
		if _, ok := ParseTimestamp(raw); ok {
			t.Fatalf("ParseTimestamp(%q) unexpectedly recognized", raw)
		}
	}
}

func TestPriceTextScale(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: `1`, want: "1"},
		{in: `43250.5`, want: "43250.5"},
		{in: `"45000.00"`, want: "45000.00"},
		{in: `0.00001234`, want: "0.00001234"},
	}
	for _, tt := range tests {
		a, err := Parse([]byte(`{"ticker":"X","signal":"Buy","price":` + tt.in + `,"time":"1705314600"}`))
		if err != nil {
			t.Fatalf("Parse(price=%s) error: %v", tt.in, err)
		}
		if got := a.PriceText(); got != tt.want {
			t.Fatalf("PriceText(price=%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
