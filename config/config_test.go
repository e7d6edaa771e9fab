package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/creasty/defaults"
)

// validConfig returns the smallest configuration that passes
// validation, with defaults filled so Validate sees only what a test
// changes afterwards.
func validConfig() *Config {
	cfg := &Config{
		Accounts: []AccountConfig{{
			ID:             "paper-1",
			Mode:           ModePaper,
			InitialBalance: 10000,
		}},
		Symbols: []SymbolConfig{{Symbol: "BTCUSDT", Timeframe: "1h"}},
	}
	if err := defaults.Set(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("STATUS_PORT", "")
	path := writeConfig(t, `{
		"accounts": [{"id": "paper-1", "mode": "paper", "initial_balance": 10000}],
		"symbols": [{"symbol": "BTCUSDT"}]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	acct := cfg.Accounts[0]
	if acct.Risk.RiskPerTradePct != 2.0 {
		t.Errorf("risk_per_trade_pct = %v, want default 2.0", acct.Risk.RiskPerTradePct)
	}
	if acct.Risk.MaxConcurrentPositions != 5 {
		t.Errorf("max_concurrent_positions = %d, want default 5", acct.Risk.MaxConcurrentPositions)
	}
	if acct.Risk.MinSignalConfidence != 0.6 {
		t.Errorf("min_signal_confidence = %v, want default 0.6", acct.Risk.MinSignalConfidence)
	}
	if cfg.Symbols[0].Timeframe != "1m" {
		t.Errorf("timeframe = %q, want default 1m", cfg.Symbols[0].Timeframe)
	}
	if cfg.Supervisor.MaxRestarts != 3 || cfg.Supervisor.RestartWindowSecs != 300 {
		t.Errorf("supervisor defaults = %+v", cfg.Supervisor)
	}
	if cfg.Execution.QueueSize != 16 || cfg.Execution.MaxRetries != 3 {
		t.Errorf("execution defaults = %+v", cfg.Execution)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"accounts": [`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestLoadRequiresAccountsAndSymbols(t *testing.T) {
	// No config file at all: defaults cannot invent accounts, so the
	// process must refuse to start.
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}

	path := writeConfig(t, `{
		"accounts": [{"id": "paper-1", "mode": "paper", "initial_balance": 10000}]
	}`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("no symbols: err = %v, want ErrInvalid", err)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts[0].Mode = "margin"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestValidateLiveRequiresExplicitEnable(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts[0].Mode = ModeLive

	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("live account without live_enabled: err = %v, want ErrInvalid", err)
	}

	cfg.Execution.LiveEnabled = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("live account with live_enabled: %v", err)
	}
}

func TestValidateRejectsDuplicates(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts = append(cfg.Accounts, cfg.Accounts[0])
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("duplicate account: err = %v, want ErrInvalid", err)
	}

	cfg = validConfig()
	cfg.Symbols = append(cfg.Symbols, cfg.Symbols[0])
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("duplicate stream: err = %v, want ErrInvalid", err)
	}

	// Same symbol on a different timeframe is a distinct stream.
	cfg = validConfig()
	cfg.Symbols = append(cfg.Symbols, SymbolConfig{Symbol: "BTCUSDT", Timeframe: "4h", TickIntervalSecs: 15})
	if err := cfg.Validate(); err != nil {
		t.Errorf("distinct stream rejected: %v", err)
	}
}

func TestValidateSinkPrerequisites(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Enabled = true
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("kafka without brokers: err = %v, want ErrInvalid", err)
	}

	cfg = validConfig()
	cfg.Postgres.Enabled = true
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("postgres without url: err = %v, want ErrInvalid", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXCHANGE_API_KEY", "key-from-env")
	t.Setenv("EXCHANGE_SECRET_KEY", "secret-from-env")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STATUS_PORT", "9090")
	t.Setenv("EXECUTION_LIVE_ENABLED", "true")

	path := writeConfig(t, `{
		"accounts": [{"id": "paper-1", "mode": "paper", "initial_balance": 10000}],
		"symbols": [{"symbol": "BTCUSDT"}]
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Execution.APIKey != "key-from-env" || cfg.Execution.SecretKey != "secret-from-env" {
		t.Error("exchange credentials not taken from environment")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if !cfg.Execution.LiveEnabled {
		t.Error("live_enabled override ignored")
	}
}

func TestGenerateSampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	if err := GenerateSampleConfig(path); err != nil {
		t.Fatalf("GenerateSampleConfig: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if len(cfg.Accounts) == 0 || len(cfg.Symbols) == 0 {
		t.Error("generated config missing accounts or symbols")
	}
	if cfg.Accounts[0].Mode != ModePaper {
		t.Errorf("sample account mode = %s, want paper", cfg.Accounts[0].Mode)
	}
}

func TestTickInterval(t *testing.T) {
	s := SymbolConfig{TickIntervalSecs: 15}
	if got := s.TickInterval().Seconds(); got != 15 {
		t.Errorf("TickInterval = %vs, want 15s", got)
	}
}
