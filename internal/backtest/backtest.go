// Package backtest replays historical bars through the same
// indicator, pattern and aggregation stages the live engine runs,
// single-threaded and fully deterministic. Execution backends are
// never touched; fills are simulated against bar extremes.
package backtest

import (
	"errors"
	"fmt"
	"time"

	"pattern-trading-engine/internal/indicator"
	"pattern-trading-engine/internal/market"
	"pattern-trading-engine/internal/pattern"
	"pattern-trading-engine/internal/risk"
	"pattern-trading-engine/internal/signal"
)

// Stop derivations mirror the live worker so a strategy validated
// here trades the same levels when promoted.
const (
	defaultAtrStopMultiple = 1.5
	defaultRewardRisk      = 2.0
	windowSlack            = 32
)

// Config parameterizes one backtest run.
type Config struct {
	StrategyID      string
	Spec            indicator.Spec
	Weights         map[string]float64
	MinConfidence   float64
	StartingBalance float64
	RiskPerTradePct float64
	AtrStopMultiple float64
	RewardRisk      float64
}

func (c *Config) applyDefaults() {
	if c.AtrStopMultiple == 0 {
		c.AtrStopMultiple = defaultAtrStopMultiple
	}
	if c.RewardRisk == 0 {
		c.RewardRisk = defaultRewardRisk
	}
	if c.Weights == nil {
		c.Weights = signal.DefaultWeights()
	}
}

// Trade is one simulated round trip.
type Trade struct {
	Symbol    string            `json:"symbol"`
	Direction pattern.Direction `json:"direction"`
	Entry     float64           `json:"entry"`
	Exit      float64           `json:"exit"`
	Size      float64           `json:"size"`
	PnL       float64           `json:"pnl"`
	OpenedAt  time.Time         `json:"opened_at"`
	ClosedAt  time.Time         `json:"closed_at"`
}

// Result summarizes a replay.
type Result struct {
	StrategyID     string  `json:"strategy_id"`
	Trades         []Trade `json:"trades"`
	WinRate        float64 `json:"win_rate"`
	TotalReturnPct float64 `json:"total_return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SampleSize     int     `json:"sample_size"`
}

// WalkForwardResult pairs the in-sample and out-of-sample runs of a
// single history split.
type WalkForwardResult struct {
	InSample    Result `json:"in_sample"`
	OutOfSample Result `json:"out_of_sample"`
}

// openTrade tracks the position currently held during replay. The
// replayer holds at most one position, matching the live risk rule
// that an account never doubles up on a symbol.
type openTrade struct {
	direction  pattern.Direction
	entry      float64
	size       float64
	stopLoss   float64
	takeProfit float64
	openedAt   time.Time
}

// Run replays history bar by bar. Sizing uses risk.PositionSize, the
// same function the live risk manager calls, so the two cannot
// diverge. Identical inputs always yield identical results.
func Run(history []market.Bar, cfg Config) (Result, error) {
	cfg.applyDefaults()
	if cfg.StartingBalance <= 0 {
		return Result{}, errors.New("starting balance must be positive")
	}
	minBars := cfg.Spec.MinLookback()
	if len(history) <= minBars {
		return Result{}, fmt.Errorf("history too short: need more than %d bars, have %d", minBars, len(history))
	}

	recognizer := pattern.NewRecognizer()
	aggregator := signal.NewAggregator(cfg.Weights, cfg.MinConfidence)
	window := market.NewWindow(minBars + windowSlack)

	res := Result{StrategyID: cfg.StrategyID, SampleSize: len(history)}
	balance := cfg.StartingBalance
	peak := balance
	var open *openTrade

	for _, bar := range history {
		if !window.Append(bar) {
			continue
		}

		if open != nil {
			if exit, hit := exitLevel(open, bar); hit {
				balance = closeTrade(&res, &open, bar, exit, balance)
				peak, res.MaxDrawdownPct = trackDrawdown(balance, peak, res.MaxDrawdownPct)
			}
		}

		bars := window.Bars()
		ind, err := indicator.Compute(bars, cfg.Spec)
		if err != nil {
			if errors.Is(err, indicator.ErrInsufficientHistory) {
				continue
			}
			return Result{}, err
		}

		patterns := recognizer.Detect(bars, ind)
		if len(patterns) == 0 || open != nil {
			continue
		}
		sig := aggregator.Aggregate(bar.Symbol, bar.Timeframe, patterns, bar.OpenTime)
		if sig == nil {
			continue
		}

		stopDistance := cfg.AtrStopMultiple * ind.ATR
		if stopDistance <= 0 {
			continue
		}
		entry := bar.Close
		trade := &openTrade{
			direction: sig.Direction,
			entry:     entry,
			size:      risk.PositionSize(balance, cfg.RiskPerTradePct, stopDistance),
			openedAt:  bar.OpenTime,
		}
		switch sig.Direction {
		case pattern.Long:
			trade.stopLoss = entry - stopDistance
			trade.takeProfit = entry + cfg.RewardRisk*stopDistance
		case pattern.Short:
			trade.stopLoss = entry + stopDistance
			trade.takeProfit = entry - cfg.RewardRisk*stopDistance
		}
		open = trade
	}

	// Flatten at the final close so every trade has an outcome.
	if open != nil {
		last := history[len(history)-1]
		balance = closeTrade(&res, &open, last, last.Close, balance)
		peak, res.MaxDrawdownPct = trackDrawdown(balance, peak, res.MaxDrawdownPct)
	}

	wins := 0
	for _, t := range res.Trades {
		if t.PnL > 0 {
			wins++
		}
	}
	if len(res.Trades) > 0 {
		res.WinRate = float64(wins) / float64(len(res.Trades))
	}
	res.TotalReturnPct = (balance - cfg.StartingBalance) / cfg.StartingBalance * 100
	return res, nil
}

// RunWalkForward splits history at inSampleFrac and reports both
// segments, letting a strategy tuned on the first window be judged on
// data it never saw.
func RunWalkForward(history []market.Bar, cfg Config, inSampleFrac float64) (WalkForwardResult, error) {
	if inSampleFrac <= 0 || inSampleFrac >= 1 {
		return WalkForwardResult{}, fmt.Errorf("in-sample fraction %v must be in (0,1)", inSampleFrac)
	}
	split := int(float64(len(history)) * inSampleFrac)
	minBars := cfg.Spec.MinLookback()
	if split <= minBars || len(history)-split <= minBars {
		return WalkForwardResult{}, fmt.Errorf("split at %d leaves a segment shorter than %d bars", split, minBars)
	}

	inSample, err := Run(history[:split], cfg)
	if err != nil {
		return WalkForwardResult{}, fmt.Errorf("in-sample: %w", err)
	}
	outSample, err := Run(history[split:], cfg)
	if err != nil {
		return WalkForwardResult{}, fmt.Errorf("out-of-sample: %w", err)
	}
	return WalkForwardResult{InSample: inSample, OutOfSample: outSample}, nil
}

// exitLevel checks the stop before the target: when a bar spans both,
// the pessimistic outcome wins, same as the live paper simulation.
func exitLevel(t *openTrade, bar market.Bar) (float64, bool) {
	switch t.direction {
	case pattern.Long:
		if bar.Low <= t.stopLoss {
			return t.stopLoss, true
		}
		if bar.High >= t.takeProfit {
			return t.takeProfit, true
		}
	case pattern.Short:
		if bar.High >= t.stopLoss {
			return t.stopLoss, true
		}
		if bar.Low <= t.takeProfit {
			return t.takeProfit, true
		}
	}
	return 0, false
}

func closeTrade(res *Result, open **openTrade, bar market.Bar, exit, balance float64) float64 {
	t := *open
	pnl := (exit - t.entry) * t.size
	if t.direction == pattern.Short {
		pnl = (t.entry - exit) * t.size
	}
	res.Trades = append(res.Trades, Trade{
		Symbol:    bar.Symbol,
		Direction: t.direction,
		Entry:     t.entry,
		Exit:      exit,
		Size:      t.size,
		PnL:       pnl,
		OpenedAt:  t.openedAt,
		ClosedAt:  bar.OpenTime,
	})
	*open = nil
	return balance + pnl
}

func trackDrawdown(balance, peak, maxDD float64) (float64, float64) {
	if balance > peak {
		peak = balance
	}
	if peak > 0 {
		dd := (peak - balance) / peak * 100
		if dd > maxDD {
			maxDD = dd
		}
	}
	return peak, maxDD
}
