package dispatch

import (
	"twsignals/internal/alert"
	"twsignals/pkg/tgui"
)

// renderMessage formats an alert for the chat:
//
//	<b>BTCUSDT</b>  (15m)
//	Signal: <i>Buy</i>  Price: 45000.0
//	🕒 2026-08-21T10:30:00Z
//	📈 <a href="https://...">Chart</a>
//
// The interval suffix and chart line only appear when the alert carries them.
func renderMessage(a alert.Alert) string {
	header := tgui.B(a.Ticker)
	if a.Interval != "" {
		header += "  (" + tgui.Esc(a.Interval) + ")"
	}
	lines := []tgui.H{
		header,
		"Signal: " + tgui.I(a.Signal) + "  Price: " + tgui.Esc(a.PriceText()),
		"🕒 " + tgui.Esc(a.Time),
	}
	if a.Chart != "" {
		lines = append(lines, "📈 "+tgui.Link("Chart", a.Chart))
	}
	return tgui.JoinH("\n", lines...).String()
}
