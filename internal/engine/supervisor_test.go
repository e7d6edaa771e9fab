package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/events"
	"pattern-trading-engine/internal/execution"
	"pattern-trading-engine/internal/market"
	"pattern-trading-engine/internal/risk"
)

// scriptedFeed lets tests fail individual streams on demand. A healthy
// subscription stays open and silent until the context is cancelled.
type scriptedFeed struct {
	mu   sync.Mutex
	fail map[string]bool
}

func newScriptedFeed() *scriptedFeed {
	return &scriptedFeed{fail: make(map[string]bool)}
}

func (f *scriptedFeed) setFailing(symbol string, failing bool) {
	f.mu.Lock()
	f.fail[symbol] = failing
	f.mu.Unlock()
}

func (f *scriptedFeed) failing(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[symbol]
}

func (f *scriptedFeed) History(ctx context.Context, symbol, timeframe string, limit int) ([]market.Bar, error) {
	return nil, nil
}

func (f *scriptedFeed) Subscribe(ctx context.Context, symbol, timeframe string) (<-chan market.Bar, error) {
	if f.failing(symbol) {
		return nil, errors.New("stream unavailable")
	}
	out := make(chan market.Bar)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (f *scriptedFeed) Close() error { return nil }

type recordingCheckpointer struct {
	mu    sync.Mutex
	saves int
}

func (c *recordingCheckpointer) Save(ctx context.Context, snaps []risk.Snapshot) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return nil
}

func (c *recordingCheckpointer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

func testConfig(symbols ...string) *config.Config {
	cfg := &config.Config{
		Accounts: []config.AccountConfig{{
			ID:             "acct-1",
			Mode:           config.ModePaper,
			InitialBalance: 10000,
			Risk: config.RiskProfile{
				RiskPerTradePct:        2.0,
				MaxConcurrentPositions: 2,
				MaxDailyLossPct:        5.0,
				MinSignalConfidence:    0.6,
			},
		}},
		Supervisor: config.SupervisorConfig{
			MaxRestarts:        2,
			RestartWindowSecs:  300,
			RestartBackoffSecs: 0,
			ShutdownGraceSecs:  5,
			CheckpointSecs:     3600,
		},
		Execution: config.ExecutionConfig{
			MaxRetries:    1,
			QueueSize:     4,
			SubmitTimeout: 2,
		},
	}
	for _, s := range symbols {
		cfg.Symbols = append(cfg.Symbols, config.SymbolConfig{Symbol: s, Timeframe: "1h"})
	}
	return cfg
}

func testEngine(t *testing.T, cfg *config.Config, feed market.Feed, cp Checkpointer) (*Engine, *events.Bus) {
	t.Helper()
	log := zerolog.Nop()
	bus := events.NewBus()
	prices := market.NewPriceCache()
	rm := risk.NewManager(cfg.Accounts, bus, log)
	adapters := map[config.Mode]execution.Adapter{
		config.ModePaper: execution.NewPaperAdapter(prices.Latest, log),
	}
	disp := execution.NewDispatcher(adapters, cfg.Execution, bus, nil, log)
	return New(cfg, feed, rm, disp, cp, bus, prices, log), bus
}

func statusOf(eng *Engine, symbol, timeframe string) (WorkerStatus, bool) {
	for _, ws := range eng.Workers() {
		if ws.Symbol == symbol && ws.Timeframe == timeframe {
			return ws, true
		}
	}
	return WorkerStatus{}, false
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisorDisablesFailingWorker(t *testing.T) {
	feed := newScriptedFeed()
	feed.setFailing("BTCUSDT", true)
	cfg := testConfig("BTCUSDT")
	eng, bus := testEngine(t, cfg, feed, nil)

	disabled := make(chan events.Event, 4)
	bus.Subscribe(events.WorkerDisabled, func(e events.Event) {
		disabled <- e
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 10*time.Second, "worker to be disabled", func() bool {
		ws, ok := statusOf(eng, "BTCUSDT", "1h")
		return ok && ws.State == WorkerDisabled
	})

	ws, _ := statusOf(eng, "BTCUSDT", "1h")
	// MaxRestarts failures are retried; the one after that disables.
	if ws.Restarts != cfg.Supervisor.MaxRestarts+1 {
		t.Errorf("Restarts = %d, want %d", ws.Restarts, cfg.Supervisor.MaxRestarts+1)
	}

	select {
	case e := <-disabled:
		if e.Data["symbol"] != "BTCUSDT" {
			t.Errorf("disabled event symbol = %v", e.Data["symbol"])
		}
	case <-time.After(2 * time.Second):
		t.Error("no WorkerDisabled event published")
	}

	cancel()
	eng.Stop()
}

func TestSupervisorIsolatesFailures(t *testing.T) {
	feed := newScriptedFeed()
	feed.setFailing("BTCUSDT", true)
	cfg := testConfig("BTCUSDT", "ETHUSDT")
	eng, _ := testEngine(t, cfg, feed, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 10*time.Second, "failing worker to be disabled", func() bool {
		ws, ok := statusOf(eng, "BTCUSDT", "1h")
		return ok && ws.State == WorkerDisabled
	})

	if ws, ok := statusOf(eng, "ETHUSDT", "1h"); !ok || ws.State != WorkerRunning {
		t.Errorf("healthy worker state = %+v, want running", ws)
	}

	cancel()
	eng.Stop()
}

func TestEnableRelaunchesDisabledWorker(t *testing.T) {
	feed := newScriptedFeed()
	feed.setFailing("BTCUSDT", true)
	cfg := testConfig("BTCUSDT")
	eng, _ := testEngine(t, cfg, feed, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 10*time.Second, "worker to be disabled", func() bool {
		ws, ok := statusOf(eng, "BTCUSDT", "1h")
		return ok && ws.State == WorkerDisabled
	})

	// The stream recovers; an operator re-enables the worker.
	feed.setFailing("BTCUSDT", false)
	if err := eng.Enable("BTCUSDT", "1h"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	waitFor(t, 5*time.Second, "worker to run again", func() bool {
		ws, ok := statusOf(eng, "BTCUSDT", "1h")
		return ok && ws.State == WorkerRunning && ws.Restarts == 0
	})

	// Enabling a running worker is refused.
	if err := eng.Enable("BTCUSDT", "1h"); err == nil {
		t.Error("Enable on running worker succeeded")
	}
	if err := eng.Enable("DOGEUSDT", "1h"); err == nil {
		t.Error("Enable on unknown stream succeeded")
	}

	cancel()
	eng.Stop()
}

func TestStopIsCleanAndCheckpoints(t *testing.T) {
	feed := newScriptedFeed()
	cfg := testConfig("BTCUSDT")
	cp := &recordingCheckpointer{}
	eng, _ := testEngine(t, cfg, feed, cp)

	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Start(ctx); err == nil {
		t.Error("second Start succeeded")
	}

	waitFor(t, 5*time.Second, "worker to run", func() bool {
		ws, ok := statusOf(eng, "BTCUSDT", "1h")
		return ok && ws.State == WorkerRunning
	})

	cancel()
	if !eng.Stop() {
		t.Error("Stop reported unclean shutdown")
	}
	if cp.count() == 0 {
		t.Error("no final checkpoint taken on shutdown")
	}
	if ws, ok := statusOf(eng, "BTCUSDT", "1h"); !ok || ws.State != WorkerStopped {
		t.Errorf("worker state after stop = %+v, want stopped", ws)
	}
}

func TestPruneOlder(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)}
	got := pruneOlder(ts, base.Add(time.Minute))
	if len(got) != 1 || !got[0].Equal(base.Add(2*time.Minute)) {
		t.Errorf("pruneOlder = %v", got)
	}
}
