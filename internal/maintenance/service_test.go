package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"twsignals/internal/dedupe"
	"twsignals/internal/dispatch"
	kit "twsignals/internal/transport"
	logx "twsignals/pkg/logx"
)

type sentDigest struct {
	to   kit.ChatTarget
	text string
	opt  kit.SendOptions
}

type fakeSender struct {
	mu    sync.Mutex
	err   error
	calls []sentDigest
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	f.calls = append(f.calls, sentDigest{to: to, text: text, opt: o})
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	return kit.MessageRef{Chat: to.Chat, MessageID: len(f.calls)}, nil
}

func (f *fakeSender) sent() []sentDigest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentDigest(nil), f.calls...)
}

type fakeStore struct {
	mu     sync.Mutex
	sweeps int
	n      int
	err    error
}

func (f *fakeStore) PutSeen(ctx context.Context, key string, until time.Time) error { return nil }
func (f *fakeStore) GetSeen(ctx context.Context, key string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (f *fakeStore) Sweep(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return f.n, f.err
}
func (f *fakeStore) Close() error { return nil }

func TestRenderDigest(t *testing.T) {
	t.Parallel()

	q := dispatch.Stats{QueueDepth: 3, Inflight: 1, Delivered: 10, Failed: 1, Retried: 2}
	c := dedupe.Stats{Admitted: 12, Duplicates: 4}
	want := "📊 <b>Daily signal digest</b>\n" +
		"Accepted: 12  Delivered: 10\n" +
		"Retried: 2  Failed: 1  Dropped: 0\n" +
		"Duplicates suppressed: 4\n" +
		"In queue now: 3 (sending: 1)"
	if got := renderDigest(q, c, dispatch.Stats{}, dedupe.Stats{}); got != want {
		t.Fatalf("renderDigest = %q, want %q", got, want)
	}
}

func TestRenderDigestIdleQueueOmitsBacklogLine(t *testing.T) {
	t.Parallel()

	got := renderDigest(dispatch.Stats{Delivered: 1}, dedupe.Stats{Admitted: 1}, dispatch.Stats{}, dedupe.Stats{})
	if strings.Contains(got, "In queue now") {
		t.Fatalf("renderDigest = %q, want no backlog line for an idle queue", got)
	}
	if lines := strings.Count(got, "\n"); lines != 3 {
		t.Fatalf("renderDigest has %d newlines, want 3", lines)
	}
}

func TestRenderDigestReportsPeriodDeltas(t *testing.T) {
	t.Parallel()

	cur := dispatch.Stats{Delivered: 10, Retried: 5}
	prev := dispatch.Stats{Delivered: 7, Retried: 5}
	got := renderDigest(cur, dedupe.Stats{Admitted: 12}, prev, dedupe.Stats{Admitted: 12})
	if !strings.Contains(got, "Delivered: 3") {
		t.Fatalf("renderDigest = %q, want the delivered delta 3", got)
	}
	if !strings.Contains(got, "Accepted: 0") {
		t.Fatalf("renderDigest = %q, want a zero accepted delta", got)
	}
}

func TestDeltaHandlesCounterReset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cur, prev uint64
		want      uint64
	}{
		{"normal growth", 10, 4, 6},
		{"no movement", 4, 4, 0},
		{"reset after restart", 5, 10, 5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := delta(tt.cur, tt.prev); got != tt.want {
				t.Fatalf("delta(%d, %d) = %d, want %d", tt.cur, tt.prev, got, tt.want)
			}
		})
	}
}

func TestRunDigestSendsAndAdvancesBaseline(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	stats := dispatch.Stats{Delivered: 5, Retried: 1}
	s := New(Config{DigestEnabled: true}, Deps{
		Queue:  func() dispatch.Stats { return stats },
		Sender: fs,
	}, logx.Nop())
	s.SetTarget(kit.ChatTarget{Chat: "@ops", ThreadID: 9})

	s.runDigest()
	calls := fs.sent()
	if len(calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(calls))
	}
	first := calls[0]
	if first.to.Chat != "@ops" || first.to.ThreadID != 9 {
		t.Fatalf("sent to %+v, want @ops thread 9", first.to)
	}
	if first.opt.ParseMode != "HTML" || !first.opt.DisablePreview {
		t.Fatalf("opts = %+v, want HTML parse mode with preview disabled", first.opt)
	}
	if !strings.Contains(first.text, "Delivered: 5") {
		t.Fatalf("digest = %q, want the full period totals", first.text)
	}

	// Nothing happened since, so the next digest reports zeroes.
	s.runDigest()
	calls = fs.sent()
	if len(calls) != 2 {
		t.Fatalf("sends = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[1].text, "Delivered: 0") {
		t.Fatalf("second digest = %q, want a zero delta", calls[1].text)
	}
}

func TestRunDigestKeepsBaselineOnSendFailure(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{err: errors.New("telegram down")}
	s := New(Config{DigestEnabled: true}, Deps{
		Queue:  func() dispatch.Stats { return dispatch.Stats{Delivered: 5} },
		Sender: fs,
	}, logx.Nop())
	s.SetTarget(kit.ChatTarget{Chat: "@ops"})

	s.runDigest() // fails, period rolls over

	fs.mu.Lock()
	fs.err = nil
	fs.mu.Unlock()

	s.runDigest()
	calls := fs.sent()
	if len(calls) != 2 {
		t.Fatalf("sends = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[1].text, "Delivered: 5") {
		t.Fatalf("digest after failed send = %q, want the whole period kept", calls[1].text)
	}
}

func TestRunDigestNeedsTargetAndSender(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	s := New(Config{DigestEnabled: true}, Deps{Sender: fs}, logx.Nop())
	s.runDigest() // no target yet
	if n := len(fs.sent()); n != 0 {
		t.Fatalf("sends = %d, want 0 without a target", n)
	}

	none := New(Config{DigestEnabled: true}, Deps{}, logx.Nop())
	none.SetTarget(kit.ChatTarget{Chat: "@ops"})
	none.runDigest() // no sender; must not panic
}

func TestRunSweepClearsExpiredEntries(t *testing.T) {
	t.Parallel()

	cache := dedupe.New(dedupe.Config{Window: 10 * time.Millisecond, MaxEntries: 100}, logx.Nop(), nil)
	ctx := context.Background()
	cache.Admit(ctx, "BTCUSDT:Buy:1")
	cache.Admit(ctx, "ETHUSDT:Sell:2")
	time.Sleep(20 * time.Millisecond)

	st := &fakeStore{n: 3}
	s := New(Config{}, Deps{Cache: cache, Store: st}, logx.Nop())
	s.runSweep()

	if got := cache.Snapshot().Entries; got != 0 {
		t.Fatalf("entries after sweep = %d, want 0", got)
	}
	st.mu.Lock()
	sweeps := st.sweeps
	st.mu.Unlock()
	if sweeps != 1 {
		t.Fatalf("store sweeps = %d, want 1", sweeps)
	}
}

func TestRunSweepSurvivesStoreFailure(t *testing.T) {
	t.Parallel()

	cache := dedupe.New(dedupe.Config{Window: 10 * time.Millisecond, MaxEntries: 100}, logx.Nop(), nil)
	cache.Admit(context.Background(), "BTCUSDT:Buy:1")
	time.Sleep(20 * time.Millisecond)

	st := &fakeStore{err: errors.New("disk gone")}
	s := New(Config{}, Deps{Cache: cache, Store: st}, logx.Nop())
	s.runSweep()

	if got := cache.Snapshot().Entries; got != 0 {
		t.Fatalf("entries after sweep = %d, want memory swept despite store failure", got)
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Deps{Store: &fakeStore{}, Sender: &fakeSender{}}, logx.Nop())
	if s.cfg.SweepSchedule != defaultSweepSchedule {
		t.Fatalf("SweepSchedule = %q, want default %q", s.cfg.SweepSchedule, defaultSweepSchedule)
	}
	if s.cfg.DigestSchedule != defaultDigestSchedule {
		t.Fatalf("DigestSchedule = %q, want default %q", s.cfg.DigestSchedule, defaultDigestSchedule)
	}

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // second Start is a no-op

	s.Apply(Config{SweepSchedule: "*/10 * * * *", DigestEnabled: true, Timezone: "UTC"})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if stopCtx.Err() != nil {
		t.Fatalf("Stop ran into the deadline: %v", stopCtx.Err())
	}
}
