package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/backtest"
	"pattern-trading-engine/internal/events"
	"pattern-trading-engine/internal/execution"
	"pattern-trading-engine/internal/risk"
	"pattern-trading-engine/internal/signal"
)

// Journal is the Postgres audit log. It records every generated
// signal, every finalized order outcome and every backtest run. The
// trading path never blocks on it; writes happen after decisions.
type Journal struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewJournal opens a connection pool and verifies connectivity.
func NewJournal(cfg config.PostgresConfig, log zerolog.Logger) (*Journal, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Journal{pool: pool, log: log.With().Str("component", "journal").Logger()}, nil
}

// Migrate creates the journal tables if they do not exist.
func (j *Journal) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			direction TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			pattern_count INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_results (
			intent_id TEXT PRIMARY KEY,
			order_id TEXT,
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			requested_size DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			fill_price DOUBLE PRECISION,
			fill_size DOUBLE PRECISION,
			retries INT NOT NULL DEFAULT 0,
			error_kind TEXT,
			signal_ref TEXT,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS backtest_results (
			id BIGSERIAL PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			trades INT NOT NULL,
			win_rate DOUBLE PRECISION NOT NULL,
			total_return_pct DOUBLE PRECISION NOT NULL,
			max_drawdown_pct DOUBLE PRECISION NOT NULL,
			sample_size INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_account ON order_results(account_id, recorded_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := j.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	j.log.Info().Msg("journal schema ready")
	return nil
}

// RecordSignal journals one generated signal.
func (j *Journal) RecordSignal(ctx context.Context, sig *signal.Signal) error {
	return j.insertSignal(ctx, SignalRecord{
		ID:           sig.ID,
		Symbol:       sig.Symbol,
		Timeframe:    sig.Timeframe,
		Direction:    string(sig.Direction),
		Confidence:   sig.Confidence,
		PatternCount: len(sig.Patterns),
		CreatedAt:    sig.CreatedAt,
	})
}

// ObserveSignals journals every SignalGenerated event on the bus.
// Inserts run on the subscriber goroutine with their own timeout, so
// the trading path never waits on Postgres.
func (j *Journal) ObserveSignals(bus *events.Bus) {
	bus.Subscribe(events.SignalGenerated, func(e events.Event) {
		rec := signalFromEvent(e)
		if rec.ID == "" {
			j.log.Warn().Interface("data", e.Data).Msg("signal event missing id, not journaled")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.insertSignal(ctx, rec); err != nil {
			j.log.Error().Err(err).Str("signal", rec.ID).Msg("signal journaling failed")
		}
	})
}

// signalFromEvent maps a SignalGenerated event onto a journal row. The
// event timestamp is the signal's creation time.
func signalFromEvent(e events.Event) SignalRecord {
	rec := SignalRecord{CreatedAt: e.Timestamp}
	if v, ok := e.Data["signal_id"].(string); ok {
		rec.ID = v
	}
	if v, ok := e.Data["symbol"].(string); ok {
		rec.Symbol = v
	}
	if v, ok := e.Data["timeframe"].(string); ok {
		rec.Timeframe = v
	}
	if v, ok := e.Data["direction"].(string); ok {
		rec.Direction = v
	}
	if v, ok := e.Data["confidence"].(float64); ok {
		rec.Confidence = v
	}
	if v, ok := e.Data["patterns"].(int); ok {
		rec.PatternCount = v
	}
	return rec
}

func (j *Journal) insertSignal(ctx context.Context, rec SignalRecord) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO signals (id, symbol, timeframe, direction, confidence, pattern_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Symbol, rec.Timeframe, rec.Direction, rec.Confidence, rec.PatternCount, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record signal %s: %w", rec.ID, err)
	}
	return nil
}

// RecordOrder journals a finalized intent with its outcome.
func (j *Journal) RecordOrder(ctx context.Context, intent risk.OrderIntent, result execution.OrderResult) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO order_results (
			intent_id, order_id, account_id, symbol, direction,
			requested_size, status, fill_price, fill_size, retries, error_kind, signal_ref
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (intent_id) DO UPDATE SET
			status = EXCLUDED.status,
			fill_price = EXCLUDED.fill_price,
			fill_size = EXCLUDED.fill_size,
			retries = EXCLUDED.retries,
			error_kind = EXCLUDED.error_kind`,
		intent.ID, result.OrderID, intent.AccountID, intent.Symbol, string(intent.Direction),
		intent.Size, string(result.Status), result.FillPrice, result.FillSize, result.Retries,
		result.ErrorKind, intent.SignalID,
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", intent.ID, err)
	}
	return nil
}

// SaveBacktest journals a completed backtest run and returns its ID.
func (j *Journal) SaveBacktest(ctx context.Context, res backtest.Result) (int64, error) {
	var id int64
	err := j.pool.QueryRow(ctx, `
		INSERT INTO backtest_results (strategy_id, trades, win_rate, total_return_pct, max_drawdown_pct, sample_size)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		res.StrategyID, len(res.Trades), res.WinRate, res.TotalReturnPct, res.MaxDrawdownPct, res.SampleSize,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save backtest %s: %w", res.StrategyID, err)
	}
	return id, nil
}

// SignalRecord is a journaled signal row, as served by the status API.
type SignalRecord struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	Direction    string    `json:"direction"`
	Confidence   float64   `json:"confidence"`
	PatternCount int       `json:"pattern_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecentSignals returns the newest journaled signals, newest first.
func (j *Journal) RecentSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT id, symbol, timeframe, direction, confidence, pattern_count, created_at
		FROM signals ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var rec SignalRecord
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Timeframe, &rec.Direction, &rec.Confidence, &rec.PatternCount, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HealthCheck verifies the pool still answers.
func (j *Journal) HealthCheck(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

// Close releases the pool.
func (j *Journal) Close() {
	j.pool.Close()
}
