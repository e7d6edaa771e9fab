package market

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func barAtTime(open time.Time, close float64) Bar {
	return Bar{
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		OpenTime:  open,
		Open:      close,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    100,
	}
}

func TestWindowOrderingAndEviction(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(3)

	for i := 0; i < 3; i++ {
		if !w.Append(barAtTime(base.Add(time.Duration(i)*time.Hour), 100+float64(i))) {
			t.Fatalf("bar %d rejected", i)
		}
	}
	if w.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", w.Len())
	}

	// Duplicate open time: dropped, window unchanged.
	if w.Append(barAtTime(base.Add(2*time.Hour), 999)) {
		t.Error("duplicate bar accepted")
	}
	// Regression: dropped.
	if w.Append(barAtTime(base, 999)) {
		t.Error("out-of-order bar accepted")
	}
	if w.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", w.Dropped())
	}

	// A fourth advancing bar evicts the oldest.
	if !w.Append(barAtTime(base.Add(3*time.Hour), 103)) {
		t.Fatal("advancing bar rejected")
	}
	bars := w.Bars()
	if len(bars) != 3 {
		t.Fatalf("len(Bars()) = %d, want 3", len(bars))
	}
	if bars[0].Close != 101 || bars[2].Close != 103 {
		t.Errorf("window contents [%v..%v], want [101..103]", bars[0].Close, bars[2].Close)
	}
	last, ok := w.Last()
	if !ok || last.Close != 103 {
		t.Errorf("Last() = %v %v, want 103 true", last.Close, ok)
	}
}

func TestWindowBarsIsCopy(t *testing.T) {
	w := NewWindow(4)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Append(barAtTime(base, 100))

	bars := w.Bars()
	bars[0].Close = 0
	again := w.Bars()
	if again[0].Close != 100 {
		t.Error("Bars() exposed internal storage")
	}
}

func TestSequencerDropsRegressions(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seq := newSequencer()

	if !seq.accept(barAtTime(base, 100)) {
		t.Fatal("first bar rejected")
	}
	if seq.accept(barAtTime(base, 100)) {
		t.Error("duplicate accepted")
	}
	if seq.accept(barAtTime(base.Add(-time.Hour), 99)) {
		t.Error("regression accepted")
	}
	if !seq.accept(barAtTime(base.Add(time.Hour), 101)) {
		t.Error("advancing bar rejected")
	}

	// Streams are sequenced independently.
	other := barAtTime(base, 50)
	other.Symbol = "ETHUSDT"
	if !seq.accept(other) {
		t.Error("independent stream rejected")
	}
}

func TestStreamKey(t *testing.T) {
	if got := StreamKey("BTCUSDT", "1h"); got != "BTCUSDT/1h" {
		t.Errorf("StreamKey = %q", got)
	}
}

func TestTimeframeDuration(t *testing.T) {
	cases := []struct {
		tf   string
		want time.Duration
	}{
		{"1m", time.Minute},
		{"5m", 5 * time.Minute},
		{"15m", 15 * time.Minute},
		{"30m", 30 * time.Minute},
		{"1h", time.Hour},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := TimeframeDuration(tc.tf)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.tf, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.tf, got, tc.want)
		}
	}

	if _, err := TimeframeDuration("2h"); err == nil {
		t.Error("expected error for unsupported timeframe")
	}
}

func TestSimFeedHistoryDeterministic(t *testing.T) {
	feed := NewSimFeed(100, time.Second)
	ctx := context.Background()

	a, err := feed.History(ctx, "BTCUSDT", "1h", 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	b, err := feed.History(ctx, "BTCUSDT", "1h", 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(a) != 50 || len(b) != 50 {
		t.Fatalf("len = %d, %d, want 50", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("bar %d differs between runs: %+v vs %+v", i, a[i], b[i])
		}
	}
	for i := 1; i < len(a); i++ {
		if !a[i].OpenTime.After(a[i-1].OpenTime) {
			t.Fatalf("history not strictly ordered at %d", i)
		}
	}
	for i, bar := range a {
		if bar.High < bar.Open || bar.High < bar.Close {
			t.Errorf("bar %d: high below body", i)
		}
		if bar.Low > bar.Open || bar.Low > bar.Close {
			t.Errorf("bar %d: low above body", i)
		}
	}
}

func TestSimFeedRejectsUnknownTimeframe(t *testing.T) {
	feed := NewSimFeed(100, time.Second)
	if _, err := feed.History(context.Background(), "BTCUSDT", "7h", 10); err == nil {
		t.Error("expected error for unsupported timeframe")
	}
	if _, err := feed.Subscribe(context.Background(), "BTCUSDT", "7h"); err == nil {
		t.Error("expected error for unsupported timeframe")
	}
}

func TestSimFeedSubscribeClosesOnCancel(t *testing.T) {
	feed := NewSimFeed(100, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := feed.Subscribe(ctx, "BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no bar emitted")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestPriceCache(t *testing.T) {
	pc := NewPriceCache()

	if _, ok := pc.Latest("BTCUSDT"); ok {
		t.Error("unexpected price for unknown symbol")
	}
	pc.Update("BTCUSDT", 101.5)
	pc.Update("BTCUSDT", 102.0)
	if got, ok := pc.Latest("BTCUSDT"); !ok || got != 102.0 {
		t.Errorf("Latest = %v %v, want 102 true", got, ok)
	}
}

func TestRESTFeedPollInterval(t *testing.T) {
	feed := NewRESTFeed("http://localhost", time.Second, zerolog.Nop())

	// No override: cadence falls back to the bar duration.
	d, err := feed.pollInterval("BTCUSDT", "1h")
	if err != nil {
		t.Fatalf("pollInterval: %v", err)
	}
	if d != time.Hour {
		t.Errorf("default interval = %v, want 1h", d)
	}

	feed.SetTickInterval("BTCUSDT", "1h", 15*time.Second)
	d, err = feed.pollInterval("BTCUSDT", "1h")
	if err != nil {
		t.Fatalf("pollInterval: %v", err)
	}
	if d != 15*time.Second {
		t.Errorf("overridden interval = %v, want 15s", d)
	}

	// The override is scoped to its stream.
	d, err = feed.pollInterval("BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("pollInterval: %v", err)
	}
	if d != time.Minute {
		t.Errorf("other stream interval = %v, want 1m", d)
	}

	// Non-positive ticks are ignored rather than stalling the poller.
	feed.SetTickInterval("ETHUSDT", "1m", 0)
	d, err = feed.pollInterval("ETHUSDT", "1m")
	if err != nil {
		t.Fatalf("pollInterval: %v", err)
	}
	if d != time.Minute {
		t.Errorf("interval after zero tick = %v, want 1m", d)
	}

	// Unknown timeframe with no override still errors.
	if _, err := feed.pollInterval("BTCUSDT", "2h"); err == nil {
		t.Error("expected error for unknown timeframe")
	}
}
