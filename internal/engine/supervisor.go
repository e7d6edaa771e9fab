package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/events"
	"pattern-trading-engine/internal/execution"
	"pattern-trading-engine/internal/indicator"
	"pattern-trading-engine/internal/market"
	"pattern-trading-engine/internal/pattern"
	"pattern-trading-engine/internal/risk"
	"pattern-trading-engine/internal/signal"
)

// Checkpointer persists account snapshots so a restart resumes from
// the last committed state instead of the configured starting balance.
type Checkpointer interface {
	Save(ctx context.Context, snaps []risk.Snapshot) error
}

// Worker lifecycle states as reported by the status API.
const (
	WorkerRunning  = "running"
	WorkerDisabled = "disabled"
	WorkerStopped  = "stopped"
)

// WorkerStatus is a point-in-time view of one stream worker.
type WorkerStatus struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	State     string `json:"state"`
	Restarts  int    `json:"restarts"`
}

// workerSlot tracks a worker's supervision state. Restart timestamps
// outside the sliding window are pruned before each decision.
type workerSlot struct {
	cfg      config.SymbolConfig
	cancel   context.CancelFunc
	restarts []time.Time
	state    string
}

// Engine supervises one worker per configured (symbol, timeframe)
// stream. A panicking or erroring worker is restarted with backoff; a
// worker that keeps failing is disabled without touching its siblings.
type Engine struct {
	cfg        *config.Config
	feed       market.Feed
	spec       indicator.Spec
	recognizer *pattern.Recognizer
	aggregator *signal.Aggregator
	riskMgr    *risk.Manager
	dispatcher *execution.Dispatcher
	checkpoint Checkpointer
	bus        *events.Bus
	prices     *market.PriceCache
	log        zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	slots   map[string]*workerSlot
	wg      sync.WaitGroup
	started bool
}

func New(cfg *config.Config, feed market.Feed, rm *risk.Manager, disp *execution.Dispatcher, cp Checkpointer, bus *events.Bus, prices *market.PriceCache, log zerolog.Logger) *Engine {
	agg := signal.NewAggregator(signal.DefaultWeights(), minConfidence(cfg))
	return &Engine{
		cfg:        cfg,
		feed:       feed,
		spec:       indicator.DefaultSpec(),
		recognizer: pattern.NewRecognizer(),
		aggregator: agg,
		riskMgr:    rm,
		dispatcher: disp,
		checkpoint: cp,
		bus:        bus,
		prices:     prices,
		log:        log.With().Str("component", "engine").Logger(),
		slots:      make(map[string]*workerSlot),
	}
}

// minConfidence takes the lowest account threshold so the aggregator
// never suppresses a signal some account would have accepted. Each
// account still applies its own floor during risk evaluation.
func minConfidence(cfg *config.Config) float64 {
	min := 1.0
	for _, acct := range cfg.Accounts {
		if acct.Risk.MinSignalConfidence < min {
			min = acct.Risk.MinSignalConfidence
		}
	}
	return min
}

// Start launches every configured worker plus the checkpoint loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.ctx = ctx
	e.started = true

	for _, sym := range e.cfg.Symbols {
		e.launchLocked(sym)
	}

	e.wg.Add(1)
	go e.checkpointLoop(ctx)

	e.bus.Publish(events.Event{
		Type:      events.EngineStarted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"workers": len(e.cfg.Symbols)},
	})
	e.log.Info().Int("workers", len(e.cfg.Symbols)).Msg("engine started")
	return nil
}

// launchLocked starts one supervised worker. Caller holds e.mu.
func (e *Engine) launchLocked(sym config.SymbolConfig) {
	key := market.StreamKey(sym.Symbol, sym.Timeframe)
	wctx, cancel := context.WithCancel(e.ctx)
	slot, ok := e.slots[key]
	if !ok {
		slot = &workerSlot{cfg: sym}
		e.slots[key] = slot
	}
	slot.cancel = cancel
	slot.state = WorkerRunning

	e.wg.Add(1)
	go e.supervise(wctx, slot)
}

// supervise runs one worker until clean shutdown or disablement.
func (e *Engine) supervise(ctx context.Context, slot *workerSlot) {
	defer e.wg.Done()
	window := time.Duration(e.cfg.Supervisor.RestartWindowSecs) * time.Second
	baseDelay := time.Duration(e.cfg.Supervisor.RestartBackoffSecs) * time.Second

	for {
		err := e.runOnce(ctx, slot.cfg)
		if ctx.Err() != nil {
			e.setState(slot, WorkerStopped)
			return
		}
		reason := "feed error"
		if err != nil {
			reason = err.Error()
		}

		e.mu.Lock()
		now := time.Now()
		slot.restarts = append(slot.restarts, now)
		slot.restarts = pruneOlder(slot.restarts, now.Add(-window))
		count := len(slot.restarts)
		e.mu.Unlock()

		if count > e.cfg.Supervisor.MaxRestarts {
			e.setState(slot, WorkerDisabled)
			e.bus.PublishWorkerDisabled(slot.cfg.Symbol, slot.cfg.Timeframe, reason)
			e.log.Error().
				Str("symbol", slot.cfg.Symbol).
				Str("timeframe", slot.cfg.Timeframe).
				Int("restarts", count).
				Msg("worker disabled after repeated failures")
			return
		}

		e.bus.PublishWorkerRestarted(slot.cfg.Symbol, slot.cfg.Timeframe, count, reason)
		e.log.Warn().
			Str("symbol", slot.cfg.Symbol).
			Str("timeframe", slot.cfg.Timeframe).
			Int("restart", count).
			Str("reason", reason).
			Msg("restarting worker")

		delay := baseDelay * time.Duration(count)
		select {
		case <-ctx.Done():
			e.setState(slot, WorkerStopped)
			return
		case <-time.After(delay):
		}
	}
}

// runOnce executes a single worker lifetime, converting panics into
// errors so the supervisor's restart accounting sees them.
func (e *Engine) runOnce(ctx context.Context, sym config.SymbolConfig) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	w := newWorker(sym, e.feed, e.spec, e.recognizer, e.aggregator, e.riskMgr, e.dispatcher, e.bus, e.prices, e.log)
	return w.run(ctx)
}

func (e *Engine) setState(slot *workerSlot, state string) {
	e.mu.Lock()
	slot.state = state
	e.mu.Unlock()
}

// Enable clears a disabled worker's restart history and relaunches it.
// Called from the operator API; enabling a running worker is an error.
func (e *Engine) Enable(symbol, timeframe string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := market.StreamKey(symbol, timeframe)
	slot, ok := e.slots[key]
	if !ok {
		return fmt.Errorf("unknown stream %s", key)
	}
	if slot.state != WorkerDisabled {
		return fmt.Errorf("stream %s is %s, not disabled", key, slot.state)
	}
	slot.restarts = nil
	e.launchLocked(slot.cfg)
	e.log.Info().Str("stream", key).Msg("worker re-enabled")
	return nil
}

// Workers reports every stream's supervision state, sorted by key.
func (e *Engine) Workers() []WorkerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]WorkerStatus, 0, len(e.slots))
	keys := make([]string, 0, len(e.slots))
	for k := range e.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		slot := e.slots[k]
		out = append(out, WorkerStatus{
			Symbol:    slot.cfg.Symbol,
			Timeframe: slot.cfg.Timeframe,
			State:     slot.state,
			Restarts:  len(slot.restarts),
		})
	}
	return out
}

// checkpointLoop persists account snapshots on a fixed interval. A
// failed save is logged and retried next tick; it never stops trading.
func (e *Engine) checkpointLoop(ctx context.Context) {
	defer e.wg.Done()
	if e.checkpoint == nil {
		return
	}
	ticker := time.NewTicker(time.Duration(e.cfg.Supervisor.CheckpointSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.saveCheckpoint(ctx)
		}
	}
}

func (e *Engine) saveCheckpoint(ctx context.Context) {
	snaps := e.riskMgr.Snapshots()
	if err := e.checkpoint.Save(ctx, snaps); err != nil {
		e.log.Error().Err(err).Msg("checkpoint save failed")
		return
	}
	e.log.Debug().Int("accounts", len(snaps)).Msg("checkpoint saved")
}

// Stop waits for workers and the dispatcher to wind down, takes a
// final checkpoint, and reports whether shutdown completed within the
// configured grace period. Callers cancel the Start context first.
func (e *Engine) Stop() bool {
	grace := time.Duration(e.cfg.Supervisor.ShutdownGraceSecs) * time.Second
	deadline := time.Now().Add(grace)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	clean := true
	select {
	case <-done:
	case <-time.After(grace):
		e.log.Warn().Msg("workers did not stop within grace period")
		clean = false
	}

	if remaining := time.Until(deadline); remaining > 0 {
		if !e.dispatcher.Wait(remaining) {
			e.log.Warn().Msg("execution queues did not drain within grace period")
			clean = false
		}
	}

	if e.checkpoint != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e.saveCheckpoint(ctx)
		cancel()
	}

	e.bus.Publish(events.Event{
		Type:      events.EngineStopped,
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"clean": clean},
	})
	e.log.Info().Bool("clean", clean).Msg("engine stopped")
	return clean
}

// pruneOlder drops timestamps at or before cutoff, preserving order.
func pruneOlder(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
