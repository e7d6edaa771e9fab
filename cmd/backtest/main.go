// Command backtest replays historical bars through the signal
// pipeline and prints a walk-forward validation report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/backtest"
	"pattern-trading-engine/internal/indicator"
	"pattern-trading-engine/internal/logging"
	"pattern-trading-engine/internal/market"
	"pattern-trading-engine/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional config file; enables journaling results to Postgres")
		symbol     = flag.String("symbol", "BTCUSDT", "symbol to replay")
		timeframe  = flag.String("timeframe", "1h", "bar timeframe")
		bars       = flag.Int("bars", 1000, "number of historical bars to fetch")
		source     = flag.String("source", "rest", "history source: rest or sim")
		baseURL    = flag.String("base-url", "https://api.binance.com", "REST history endpoint")
		balance    = flag.Float64("balance", 10000, "starting balance")
		riskPct    = flag.Float64("risk", 2.0, "risk per trade, percent of balance")
		confidence = flag.Float64("confidence", 0.6, "minimum signal confidence")
		split      = flag.Float64("split", 0.7, "in-sample fraction for walk-forward validation")
		strategyID = flag.String("strategy", "default", "strategy identifier for the report")
	)
	flag.Parse()

	logger := logging.New(config.LoggingConfig{Level: "warn"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var feed market.Feed
	switch *source {
	case "rest":
		feed = market.NewRESTFeed(*baseURL, 30*time.Second, logger)
	case "sim":
		feed = market.NewSimFeed(100.0, time.Second)
	default:
		fatal("unknown source %q: want rest or sim", *source)
	}
	defer feed.Close()

	history, err := feed.History(ctx, *symbol, *timeframe, *bars)
	if err != nil {
		fatal("fetch history: %v", err)
	}

	cfg := backtest.Config{
		StrategyID:      *strategyID,
		Spec:            indicator.DefaultSpec(),
		MinConfidence:   *confidence,
		StartingBalance: *balance,
		RiskPerTradePct: *riskPct,
	}

	report, err := backtest.RunWalkForward(history, cfg, *split)
	if err != nil {
		fatal("backtest: %v", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fatal("encode report: %v", err)
	}
	fmt.Println(string(out))

	if *configPath != "" {
		saveToJournal(ctx, *configPath, report, logger)
	}
}

// saveToJournal records both segments when the config enables the
// Postgres journal. A journaling failure is reported but does not
// fail the run; the report already went to stdout.
func saveToJournal(ctx context.Context, configPath string, report backtest.WalkForwardResult, logger zerolog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("config load failed, results not journaled")
		return
	}
	if !cfg.Postgres.Enabled {
		return
	}
	journal, err := store.NewJournal(cfg.Postgres, logger)
	if err != nil {
		logger.Error().Err(err).Msg("journal unavailable, results not journaled")
		return
	}
	defer journal.Close()
	if err := journal.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("journal migration failed")
		return
	}

	for suffix, res := range map[string]backtest.Result{
		"in-sample":     report.InSample,
		"out-of-sample": report.OutOfSample,
	} {
		res.StrategyID = res.StrategyID + ":" + suffix
		if _, err := journal.SaveBacktest(ctx, res); err != nil {
			logger.Error().Err(err).Str("segment", suffix).Msg("backtest journaling failed")
		}
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
