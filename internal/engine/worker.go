package engine

import (
	"context"
	"errors"
	"fmt"
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

const (
	// Stop distance is a multiple of ATR at signal time; take-profit
	// pays out a fixed multiple of the risked distance.
	atrStopMultiple  = 1.5
	rewardRiskRatio  = 2.0
	windowExtraSlack = 32
)

// intentSubmitter is the dispatcher capability a worker needs.
type intentSubmitter interface {
	Submit(intent risk.OrderIntent) error
}

// worker drives one (symbol, timeframe) stream: fill the rolling
// window, run indicators and pattern recognition on each closed bar,
// aggregate into a signal, and hand risk-approved intents to the
// dispatcher. It owns no account state; the risk manager does.
type worker struct {
	cfg        config.SymbolConfig
	feed       market.Feed
	spec       indicator.Spec
	recognizer *pattern.Recognizer
	aggregator *signal.Aggregator
	riskMgr    *risk.Manager
	dispatcher intentSubmitter
	bus        *events.Bus
	prices     *market.PriceCache
	log        zerolog.Logger

	window *market.Window
}

func newWorker(cfg config.SymbolConfig, feed market.Feed, spec indicator.Spec, rec *pattern.Recognizer, agg *signal.Aggregator, rm *risk.Manager, disp intentSubmitter, bus *events.Bus, prices *market.PriceCache, log zerolog.Logger) *worker {
	return &worker{
		cfg:        cfg,
		feed:       feed,
		spec:       spec,
		recognizer: rec,
		aggregator: agg,
		riskMgr:    rm,
		dispatcher: disp,
		bus:        bus,
		prices:     prices,
		log:        log.With().Str("symbol", cfg.Symbol).Str("timeframe", cfg.Timeframe).Logger(),
		window:     market.NewWindow(spec.MinLookback() + windowExtraSlack),
	}
}

// run blocks until ctx is cancelled or the feed fails. A panic inside
// escapes to the supervisor, which decides whether to restart.
func (w *worker) run(ctx context.Context) error {
	if err := w.warmup(ctx); err != nil {
		return fmt.Errorf("warmup %s/%s: %w", w.cfg.Symbol, w.cfg.Timeframe, err)
	}

	bars, err := w.feed.Subscribe(ctx, w.cfg.Symbol, w.cfg.Timeframe)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", w.cfg.Symbol, w.cfg.Timeframe, err)
	}
	w.log.Info().Int("warmup_bars", w.window.Len()).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bar, ok := <-bars:
			if !ok {
				return errors.New("feed closed stream")
			}
			w.onBar(bar)
		}
	}
}

func (w *worker) warmup(ctx context.Context) error {
	history, err := w.feed.History(ctx, w.cfg.Symbol, w.cfg.Timeframe, w.spec.MinLookback()+windowExtraSlack)
	if err != nil {
		return err
	}
	for _, bar := range history {
		w.window.Append(bar)
	}
	return nil
}

// onBar is the per-bar pipeline. Every stage failure is logged and
// skipped for this bar only; the stream keeps flowing.
func (w *worker) onBar(bar market.Bar) {
	if !w.window.Append(bar) {
		w.log.Warn().Time("open_time", bar.OpenTime).Msg("dropping out-of-order bar")
		return
	}
	w.prices.Update(bar.Symbol, bar.Close)

	history := w.window.Bars()
	w.checkExits(bar)

	ind, err := indicator.Compute(history, w.spec)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientHistory) {
			w.log.Debug().Int("bars", len(history)).Msg("window still filling")
			return
		}
		w.log.Error().Err(err).Msg("indicator computation failed")
		return
	}

	patterns := w.recognizer.Detect(history, ind)
	if len(patterns) == 0 {
		return
	}

	sig := w.aggregator.Aggregate(w.cfg.Symbol, w.cfg.Timeframe, patterns, time.Now().UTC())
	if sig == nil {
		return
	}
	w.bus.PublishSignalGenerated(sig.ID, sig.Symbol, sig.Timeframe, string(sig.Direction), sig.Confidence, len(sig.Patterns))
	w.log.Info().
		Str("signal", sig.ID).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Int("patterns", len(sig.Patterns)).
		Msg("signal generated")

	w.dispatch(sig, bar, ind)
}

// dispatch offers the signal to every configured account. Risk
// decisions are per account; one account's halt never gates another.
func (w *worker) dispatch(sig *signal.Signal, bar market.Bar, ind indicator.Series) {
	entry := bar.Close
	stopDistance := atrStopMultiple * ind.ATR
	if stopDistance <= 0 {
		w.log.Warn().Str("signal", sig.ID).Msg("flat ATR, cannot derive stop")
		return
	}

	var stopLoss, takeProfit float64
	switch sig.Direction {
	case pattern.Long:
		stopLoss = entry - stopDistance
		takeProfit = entry + rewardRiskRatio*stopDistance
	case pattern.Short:
		stopLoss = entry + stopDistance
		takeProfit = entry - rewardRiskRatio*stopDistance
	}

	for _, accountID := range w.riskMgr.AccountIDs() {
		intent, err := w.riskMgr.Evaluate(accountID, sig, entry, stopLoss, takeProfit)
		if err != nil {
			var rejected *risk.RiskRejected
			if errors.As(err, &rejected) {
				w.log.Debug().Str("account", accountID).Str("reason", rejected.Reason).Msg("signal rejected by risk")
				continue
			}
			w.log.Error().Err(err).Str("account", accountID).Msg("risk evaluation failed")
			continue
		}
		if err := w.dispatcher.Submit(intent); err != nil {
			if errors.Is(err, execution.ErrBackpressure) {
				w.bus.PublishOrderRejected(accountID, intent.Symbol, "backpressure")
				w.log.Warn().Str("account", accountID).Str("intent", intent.ID).Msg("execution queue full, intent dropped")
				continue
			}
			w.log.Error().Err(err).Str("account", accountID).Msg("dispatch failed")
		}
	}
}

// checkExits simulates stop-loss and take-profit fills for paper
// accounts against the bar's extremes. Stops are checked before
// targets: when a bar spans both, the pessimistic outcome wins.
func (w *worker) checkExits(bar market.Bar) {
	for _, accountID := range w.riskMgr.AccountIDs() {
		if mode, ok := w.riskMgr.Mode(accountID); !ok || mode != config.ModePaper {
			continue
		}
		for _, pos := range w.riskMgr.OpenPositions(accountID) {
			if pos.Symbol != w.cfg.Symbol {
				continue
			}
			exitPrice, hit := exitPriceFor(pos, bar)
			if !hit {
				continue
			}
			pnl, err := w.riskMgr.RecordClose(accountID, pos.Symbol, exitPrice)
			if err != nil {
				w.log.Error().Err(err).Str("account", accountID).Msg("position close failed")
				continue
			}
			w.log.Info().
				Str("account", accountID).
				Float64("exit", exitPrice).
				Float64("pnl", pnl).
				Msg("paper position closed")
		}
	}
}

// exitPriceFor reports the simulated exit for a position given bar
// extremes, or false when neither level was touched.
func exitPriceFor(pos risk.Position, bar market.Bar) (float64, bool) {
	switch pos.Direction {
	case pattern.Long:
		if bar.Low <= pos.StopLoss {
			return pos.StopLoss, true
		}
		if bar.High >= pos.TakeProfit {
			return pos.TakeProfit, true
		}
	case pattern.Short:
		if bar.High >= pos.StopLoss {
			return pos.StopLoss, true
		}
		if bar.Low <= pos.TakeProfit {
			return pos.TakeProfit, true
		}
	}
	return 0, false
}
