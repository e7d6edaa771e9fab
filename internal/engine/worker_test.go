package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pattern-trading-engine/internal/events"
	"pattern-trading-engine/internal/execution"
	"pattern-trading-engine/internal/indicator"
	"pattern-trading-engine/internal/market"
	"pattern-trading-engine/internal/pattern"
	"pattern-trading-engine/internal/risk"
	"pattern-trading-engine/internal/signal"
)

// saturatedSubmitter refuses every intent the way a full dispatch
// queue does.
type saturatedSubmitter struct{ calls int }

func (s *saturatedSubmitter) Submit(risk.OrderIntent) error {
	s.calls++
	return execution.ErrBackpressure
}

// TestDispatchBackpressurePublishesRejection: a dropped intent must be
// visible to event consumers, not just the log.
func TestDispatchBackpressurePublishesRejection(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	log := zerolog.Nop()
	bus := events.NewBus()
	rm := risk.NewManager(cfg.Accounts, bus, log)
	submitter := &saturatedSubmitter{}

	rejected := make(chan events.Event, 1)
	bus.Subscribe(events.OrderRejected, func(e events.Event) { rejected <- e })

	w := newWorker(
		cfg.Symbols[0],
		newScriptedFeed(),
		indicator.DefaultSpec(),
		pattern.NewRecognizer(),
		signal.NewAggregator(signal.DefaultWeights(), 0.6),
		rm,
		submitter,
		bus,
		market.NewPriceCache(),
		log,
	)

	sig := &signal.Signal{
		ID:         "sig-1",
		Symbol:     "BTCUSDT",
		Timeframe:  "1h",
		Direction:  pattern.Long,
		Confidence: 0.8,
		CreatedAt:  time.Now().UTC(),
	}
	bar := market.Bar{Symbol: "BTCUSDT", Timeframe: "1h", Close: 100, High: 101, Low: 99}
	w.dispatch(sig, bar, indicator.Series{ATR: 2, RSI: 50})

	if submitter.calls != 1 {
		t.Fatalf("submit calls = %d, want 1", submitter.calls)
	}
	select {
	case e := <-rejected:
		if e.Data["reason"] != "backpressure" {
			t.Errorf("reason = %v, want backpressure", e.Data["reason"])
		}
		if e.Data["account_id"] != "acct-1" || e.Data["symbol"] != "BTCUSDT" {
			t.Errorf("event data = %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no OrderRejected event for a backpressure drop")
	}

	// The drop never reached the account: nothing is open.
	if got := len(rm.OpenPositions("acct-1")); got != 0 {
		t.Errorf("open positions = %d, want 0", got)
	}
}
