package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/api"
	"pattern-trading-engine/internal/engine"
	"pattern-trading-engine/internal/events"
	"pattern-trading-engine/internal/execution"
	"pattern-trading-engine/internal/logging"
	"pattern-trading-engine/internal/market"
	"pattern-trading-engine/internal/metrics"
	"pattern-trading-engine/internal/risk"
	"pattern-trading-engine/internal/store"
	"pattern-trading-engine/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.json", "path to configuration file")
	generateConfig := flag.Bool("generate-config", false, "write a sample configuration and exit")
	flag.Parse()

	if *generateConfig {
		if err := config.GenerateSampleConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sample configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Int("accounts", len(cfg.Accounts)).Int("symbols", len(cfg.Symbols)).Msg("starting trading engine")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("engine failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	events.AttachLogSink(bus, logger)

	collector := metrics.NewCollector()
	collector.Observe(bus)

	if cfg.Kafka.Enabled {
		sink, err := events.NewKafkaSink(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		defer sink.Close()
		sink.Attach(bus)
	}

	// Account state: restore from the last checkpoint so daily-loss
	// counters and open positions survive restarts.
	checkpoints := store.NewCheckpointStore(cfg.Redis, logger)
	defer checkpoints.Close()

	riskMgr := risk.NewManager(cfg.Accounts, bus, logger)
	snaps, err := checkpoints.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}
	riskMgr.Restore(snaps)

	var journal *store.Journal
	if cfg.Postgres.Enabled {
		journal, err = store.NewJournal(cfg.Postgres, logger)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer journal.Close()
		if err := journal.Migrate(ctx); err != nil {
			return fmt.Errorf("journal migrate: %w", err)
		}
		journal.ObserveSignals(bus)
	}

	adapters, prices, err := buildAdapters(ctx, cfg, logger)
	if err != nil {
		return err
	}

	onResult := func(intent risk.OrderIntent, result execution.OrderResult) {
		switch result.Status {
		case execution.StatusFilled, execution.StatusPartial:
			if err := riskMgr.RecordFill(intent, result.FillPrice, result.FillSize); err != nil {
				logger.Error().Err(err).Str("intent", intent.ID).Msg("fill recording failed")
			}
		}
		if journal != nil {
			jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := journal.RecordOrder(jctx, intent, result); err != nil {
				logger.Error().Err(err).Str("intent", intent.ID).Msg("order journaling failed")
			}
		}
	}
	dispatcher := execution.NewDispatcher(adapters, cfg.Execution, bus, onResult, logger)
	dispatcher.Start(ctx)

	feed, err := buildFeed(cfg, logger)
	if err != nil {
		return err
	}
	defer feed.Close()

	eng := engine.New(cfg, feed, riskMgr, dispatcher, &instrumentedCheckpoint{
		store:     checkpoints,
		collector: collector,
	}, bus, prices, logger)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(cfg.Server, eng, riskMgr, journal, checkpoints, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("status server exited")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("status server shutdown failed")
		}
		cancel()
	}
	eng.Stop()
	return nil
}

// buildAdapters constructs one execution backend per mode present in
// the account list. Credentials come from Vault when enabled and from
// the environment otherwise; they are never written to disk.
func buildAdapters(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (map[config.Mode]execution.Adapter, *market.PriceCache, error) {
	prices := market.NewPriceCache()
	adapters := map[config.Mode]execution.Adapter{
		config.ModePaper: execution.NewPaperAdapter(prices.Latest, logger),
	}

	modes := make(map[config.Mode]bool)
	for _, acct := range cfg.Accounts {
		modes[acct.Mode] = true
	}
	if !modes[config.ModeDemo] && !modes[config.ModeLive] {
		return adapters, prices, nil
	}

	creds, err := resolveCredentials(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	timeout := time.Duration(cfg.Execution.SubmitTimeout) * time.Second

	if modes[config.ModeDemo] {
		adapters[config.ModeDemo] = execution.NewDemoAdapter(cfg.Execution.TestnetURL, creds, timeout, logger)
	}
	if modes[config.ModeLive] {
		live, err := execution.NewLiveAdapter(cfg.Execution.BaseURL, creds, cfg.Execution.LiveEnabled, timeout, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("live adapter: %w", err)
		}
		adapters[config.ModeLive] = live
	}
	return adapters, prices, nil
}

func resolveCredentials(ctx context.Context, cfg *config.Config) (execution.Credentials, error) {
	if cfg.Vault.Enabled {
		client, err := vault.NewClient(cfg.Vault)
		if err != nil {
			return execution.Credentials{}, fmt.Errorf("vault: %w", err)
		}
		env := "demo"
		if cfg.Execution.LiveEnabled {
			env = "live"
		}
		return client.Credentials(ctx, env)
	}
	creds := execution.Credentials{
		APIKey:    cfg.Execution.APIKey,
		SecretKey: cfg.Execution.SecretKey,
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return execution.Credentials{}, fmt.Errorf("broker credentials missing: set EXCHANGE_API_KEY and EXCHANGE_SECRET_KEY or enable vault")
	}
	return creds, nil
}

func buildFeed(cfg *config.Config, logger zerolog.Logger) (market.Feed, error) {
	pollTimeout := time.Duration(cfg.Feed.PollTimeoutSecs) * time.Second
	switch cfg.Feed.Source {
	case "websocket":
		return market.NewWSFeed(cfg.Feed.WebsocketURL, cfg.Feed.RESTBaseURL,
			time.Duration(cfg.Feed.ReconnectSecs)*time.Second, pollTimeout, logger), nil
	case "rest":
		feed := market.NewRESTFeed(cfg.Feed.RESTBaseURL, pollTimeout, logger)
		for _, s := range cfg.Symbols {
			feed.SetTickInterval(s.Symbol, s.Timeframe, s.TickInterval())
		}
		return feed, nil
	case "sim":
		return market.NewSimFeed(100.0, time.Second), nil
	default:
		return nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
	}
}

// instrumentedCheckpoint exports each account's balance on every save.
type instrumentedCheckpoint struct {
	store     *store.CheckpointStore
	collector *metrics.Collector
}

func (c *instrumentedCheckpoint) Save(ctx context.Context, snaps []risk.Snapshot) error {
	for _, snap := range snaps {
		c.collector.SetBalance(snap.AccountID, snap.Balance)
	}
	return c.store.Save(ctx, snaps)
}
