package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// ErrInvalid is returned when the configuration fails validation.
// The process must refuse to start rather than run with ambiguous
// risk parameters.
var ErrInvalid = errors.New("invalid configuration")

// Mode identifies which execution backend an account trades against.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeDemo  Mode = "demo"
	ModeLive  Mode = "live"
)

type Config struct {
	Accounts   []AccountConfig  `json:"accounts" validate:"required,min=1,dive"`
	Symbols    []SymbolConfig   `json:"symbols" validate:"required,min=1,dive"`
	Feed       FeedConfig       `json:"feed"`
	Execution  ExecutionConfig  `json:"execution"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Logging    LoggingConfig    `json:"logging"`
	Server     ServerConfig     `json:"server"`
	Redis      RedisConfig      `json:"redis"`
	Postgres   PostgresConfig   `json:"postgres"`
	Vault      VaultConfig      `json:"vault"`
	Kafka      KafkaConfig      `json:"kafka"`
}

// AccountConfig describes one trading account and its risk profile.
type AccountConfig struct {
	ID             string      `json:"id" validate:"required"`
	Mode           Mode        `json:"mode" validate:"required,oneof=paper demo live"`
	InitialBalance float64     `json:"initial_balance" validate:"gt=0"`
	Risk           RiskProfile `json:"risk"`
}

// RiskProfile holds the per-account risk limits enforced by the risk
// manager. Percentages are expressed as whole numbers (2.0 = 2%).
type RiskProfile struct {
	RiskPerTradePct        float64 `json:"risk_per_trade_pct" default:"2.0" validate:"gt=0,lte=100"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions" default:"5" validate:"gt=0"`
	MaxDailyLossPct        float64 `json:"max_daily_loss_pct" default:"5.0" validate:"gt=0,lte=100"`
	MinSignalConfidence    float64 `json:"min_signal_confidence" default:"0.6" validate:"gte=0,lte=1"`
	// DayCutoverHourUTC is the hour (UTC) at which daily P&L counters
	// reset and a halted account returns to active.
	DayCutoverHourUTC int `json:"day_cutover_hour_utc" default:"0" validate:"gte=0,lte=23"`
}

// SymbolConfig describes one (symbol, timeframe) worker.
type SymbolConfig struct {
	Symbol           string `json:"symbol" validate:"required"`
	Timeframe        string `json:"timeframe" default:"1m" validate:"required"`
	TickIntervalSecs int    `json:"tick_interval_secs" default:"15" validate:"gte=1,lte=3600"`
}

// FeedConfig selects and configures the market data source.
type FeedConfig struct {
	// Source is "websocket", "rest" or "sim".
	Source          string `json:"source" default:"websocket" validate:"oneof=websocket rest sim"`
	RESTBaseURL     string `json:"rest_base_url" default:"https://api.binance.com"`
	WebsocketURL    string `json:"websocket_url" default:"wss://stream.binance.com:9443/ws"`
	HistoryBars     int    `json:"history_bars" default:"200" validate:"gte=50"`
	ReconnectSecs   int    `json:"reconnect_secs" default:"5" validate:"gte=1"`
	PollTimeoutSecs int    `json:"poll_timeout_secs" default:"10" validate:"gte=1"`
}

// ExecutionConfig configures the demo/live broker clients and the
// per-account dispatch queue.
type ExecutionConfig struct {
	// LiveEnabled must be set explicitly before any live account is
	// allowed to submit real orders.
	LiveEnabled   bool   `json:"live_enabled"`
	BaseURL       string `json:"base_url" default:"https://api.binance.com"`
	TestnetURL    string `json:"testnet_url" default:"https://testnet.binance.vision"`
	APIKey        string `json:"api_key"`
	SecretKey     string `json:"secret_key"`
	MaxRetries    int    `json:"max_retries" default:"3" validate:"gte=0,lte=10"`
	QueueSize     int    `json:"queue_size" default:"16" validate:"gte=1"`
	SubmitTimeout int    `json:"submit_timeout_secs" default:"10" validate:"gte=1"`
}

// SupervisorConfig bounds the restart policy for failed workers.
type SupervisorConfig struct {
	MaxRestarts        int `json:"max_restarts" default:"3" validate:"gte=1"`
	RestartWindowSecs  int `json:"restart_window_secs" default:"300" validate:"gte=1"`
	RestartBackoffSecs int `json:"restart_backoff_secs" default:"2" validate:"gte=1"`
	ShutdownGraceSecs  int `json:"shutdown_grace_secs" default:"15" validate:"gte=1"`
	CheckpointSecs     int `json:"checkpoint_secs" default:"60" validate:"gte=5"`
}

type LoggingConfig struct {
	Level  string `json:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Pretty bool   `json:"pretty"`
}

// ServerConfig holds the status HTTP server configuration.
type ServerConfig struct {
	Enabled        bool   `json:"enabled" default:"true"`
	Host           string `json:"host" default:"0.0.0.0"`
	Port           int    `json:"port" default:"8080" validate:"gte=1,lte=65535"`
	AllowedOrigins string `json:"allowed_origins" default:"*"`
}

// RedisConfig holds the checkpoint store configuration. When disabled
// the engine falls back to a process-local in-memory checkpoint.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" default:"localhost:6379"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PostgresConfig holds the optional signal/order journal configuration.
type PostgresConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// VaultConfig holds HashiCorp Vault configuration for execution
// credentials. When disabled, credentials come from ExecutionConfig.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address" default:"http://localhost:8200"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path" default:"secret"`
	SecretPath string `json:"secret_path" default:"trading-engine/api-keys"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// KafkaConfig holds the optional Kafka event sink configuration.
type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic" default:"trading-events"`
}

// TickInterval returns the worker cadence for this symbol.
func (s SymbolConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSecs) * time.Second
}

// Load reads the config file (if present), applies defaults and
// environment overrides, then validates. A validation failure wraps
// ErrInvalid and must abort startup.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints (tags) plus the cross-field
// rules the tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, acct := range c.Accounts {
		if seen[acct.ID] {
			return fmt.Errorf("%w: duplicate account id %q", ErrInvalid, acct.ID)
		}
		seen[acct.ID] = true

		if acct.Mode == ModeLive && !c.Execution.LiveEnabled {
			return fmt.Errorf("%w: account %q is live but execution.live_enabled is false", ErrInvalid, acct.ID)
		}
	}

	streams := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		key := s.Symbol + "/" + s.Timeframe
		if streams[key] {
			return fmt.Errorf("%w: duplicate symbol stream %s", ErrInvalid, key)
		}
		streams[key] = true
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka enabled without brokers", ErrInvalid)
	}
	if c.Postgres.Enabled && c.Postgres.URL == "" {
		return fmt.Errorf("%w: postgres enabled without url", ErrInvalid)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Credentials
// are injected here or via Vault, never hardcoded in the config file.
func applyEnvOverrides(cfg *Config) {
	cfg.Execution.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.Execution.APIKey)
	cfg.Execution.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.Execution.SecretKey)
	cfg.Execution.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.Execution.BaseURL)
	cfg.Execution.LiveEnabled = getEnvBoolOrDefault("EXECUTION_LIVE_ENABLED", cfg.Execution.LiveEnabled)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.Logging.Pretty)

	cfg.Server.Port = getEnvIntOrDefault("STATUS_PORT", cfg.Server.Port)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Postgres.Enabled = getEnvBoolOrDefault("POSTGRES_ENABLED", cfg.Postgres.Enabled)
	cfg.Postgres.URL = getEnvOrDefault("POSTGRES_URL", cfg.Postgres.URL)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	cfg.Kafka.Enabled = getEnvBoolOrDefault("KAFKA_ENABLED", cfg.Kafka.Enabled)
	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		cfg.Kafka.Topic = topic
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

// GenerateSampleConfig writes a starter configuration file.
func GenerateSampleConfig(filename string) error {
	cfg := Config{
		Accounts: []AccountConfig{
			{
				ID:             "paper-1",
				Mode:           ModePaper,
				InitialBalance: 10000,
				Risk: RiskProfile{
					RiskPerTradePct:        2.0,
					MaxConcurrentPositions: 5,
					MaxDailyLossPct:        5.0,
					MinSignalConfidence:    0.6,
				},
			},
		},
		Symbols: []SymbolConfig{
			{Symbol: "BTCUSDT", Timeframe: "1m", TickIntervalSecs: 15},
			{Symbol: "ETHUSDT", Timeframe: "5m", TickIntervalSecs: 30},
		},
	}
	if err := defaults.Set(&cfg); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
