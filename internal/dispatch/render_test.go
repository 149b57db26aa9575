package dispatch

import (
	"testing"

	"github.com/shopspring/decimal"

	"twsignals/internal/alert"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func TestRenderMessageFull(t *testing.T) {
	t.Parallel()
	a := alert.Alert{
		Ticker:   "BTCUSDT",
		Signal:   "Buy",
		Price:    mustDecimal(t, "43250.5"),
		Time:     "2024-01-15T10:30:00Z",
		Interval: "15m",
		Chart:    "https://www.tradingview.com/x/AbCd1234/",
	}
	want := "<b>BTCUSDT</b>  (15m)\n" +
		"Signal: <i>Buy</i>  Price: 43250.5\n" +
		"🕒 2024-01-15T10:30:00Z\n" +
		`📈 <a href="https://www.tradingview.com/x/AbCd1234/">Chart</a>`
	if got := renderMessage(a); got != want {
		t.Fatalf("renderMessage =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderMessageMinimal(t *testing.T) {
	t.Parallel()
	a := alert.Alert{
		Ticker: "ETHUSDT",
		Signal: "Sell",
		Price:  mustDecimal(t, "2150.00"),
		Time:   "1705314600",
	}
	want := "<b>ETHUSDT</b>\n" +
		"Signal: <i>Sell</i>  Price: 2150.00\n" +
		"🕒 1705314600"
	if got := renderMessage(a); got != want {
		t.Fatalf("renderMessage =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderMessageEscapesHTML(t *testing.T) {
	t.Parallel()
	a := alert.Alert{
		Ticker:   "A<B>&C",
		Signal:   "Buy",
		Price:    mustDecimal(t, "1"),
		Time:     "1705314600",
		Interval: "15&m",
		Chart:    "https://x.test/c?a=1&b=2",
	}
	got := renderMessage(a)
	want := "<b>A&lt;B&gt;&amp;C</b>  (15&amp;m)\n" +
		"Signal: <i>Buy</i>  Price: 1\n" +
		"🕒 1705314600\n" +
		`📈 <a href="https://x.test/c?a=1&amp;b=2">Chart</a>`
	if got != want {
		t.Fatalf("renderMessage =\n%s\nwant\n%s", got, want)
	}
}
