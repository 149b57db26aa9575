package maintenance

import (
	"context"
	"fmt"
	"strings"

	"twsignals/internal/dedupe"
	"twsignals/internal/dispatch"
	kit "twsignals/internal/transport"
	"twsignals/pkg/tgui"
	logx "twsignals/pkg/logx"
)

func (s *Service) runDigest() {
	s.mu.Lock()
	sender := s.sender
	target := s.target
	queue := s.queue
	cache := s.cache
	prevQ := s.lastQueue
	prevC := s.lastCache
	s.mu.Unlock()

	if sender == nil || strings.TrimSpace(target.Chat) == "" {
		return
	}

	var q dispatch.Stats
	if queue != nil {
		q = queue()
	}
	var c dedupe.Stats
	if cache != nil {
		c = cache.Snapshot()
	}

	text := renderDigest(q, c, prevQ, prevC)

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := sender.SendText(ctx, target, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		s.log.Warn("digest send failed", logx.Err(err))
		return
	}

	// Advance the baseline only after a successful send so a failed digest
	// rolls its period into the next one.
	s.mu.Lock()
	s.lastQueue = q
	s.lastCache = c
	s.mu.Unlock()
	s.log.Info("digest sent")
}

func renderDigest(q dispatch.Stats, c dedupe.Stats, prevQ dispatch.Stats, prevC dedupe.Stats) string {
	accepted := delta(c.Admitted, prevC.Admitted)
	sent := delta(q.Delivered, prevQ.Delivered)
	retried := delta(q.Retried, prevQ.Retried)
	failed := delta(q.Failed, prevQ.Failed)
	dropped := delta(q.Dropped, prevQ.Dropped)
	dupes := delta(c.Duplicates, prevC.Duplicates)

	lines := []tgui.H{
		tgui.Raw("📊 ") + tgui.B("Daily signal digest"),
		tgui.Esc(fmt.Sprintf("Accepted: %d  Delivered: %d", accepted, sent)),
		tgui.Esc(fmt.Sprintf("Retried: %d  Failed: %d  Dropped: %d", retried, failed, dropped)),
		tgui.Esc(fmt.Sprintf("Duplicates suppressed: %d", dupes)),
	}
	if q.QueueDepth > 0 || q.Inflight > 0 {
		lines = append(lines, tgui.Esc(fmt.Sprintf("In queue now: %d (sending: %d)", q.QueueDepth, q.Inflight)))
	}
	return tgui.JoinH("\n", lines...).String()
}

// delta handles counter resets (process restarted between digests).
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
