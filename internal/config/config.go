package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the trading terminal.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Finnhub   Finnhub   `yaml:"finnhub"`
	Feed      Feed      `yaml:"feed"`
	Broker    Broker    `yaml:"broker"`
	Terminal  Terminal  `yaml:"terminal"`
	Simulator Simulator `yaml:"simulator"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds the bridge server listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s Server) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
	DataFeed  string `yaml:"data_feed"` // "iex" or "sip"
}

// Finnhub holds credentials for the Finnhub APIs.
type Finnhub struct {
	APIKey          string `yaml:"api_key"`
	Exchange        string `yaml:"exchange"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Feed selects the market-data provider.
type Feed struct {
	Provider  string `yaml:"provider"` // "alpaca", "finnhub" or "simulator"
	CacheBars bool   `yaml:"cache_bars"`
}

// Broker selects the brokerage provider and its pre-trade risk limits.
// A zero limit is disabled.
type Broker struct {
	Provider        string  `yaml:"provider"` // "alpaca" or "simulator"
	MaxPositionPct  float64 `yaml:"max_position_pct"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
}

// Terminal holds view defaults.
type Terminal struct {
	DefaultSymbol     string `yaml:"default_symbol"`
	DefaultResolution string `yaml:"default_resolution"`
	Series            string `yaml:"series"`
	Watchlist         string `yaml:"watchlist"`
}

// Simulator configures the in-memory feed and broker.
type Simulator struct {
	Accounts      []SimAccount  `yaml:"accounts"`
	Symbols       []string      `yaml:"symbols"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	StartingPrice float64       `yaml:"starting_price"`
}

// SimAccount is one simulated brokerage account.
type SimAccount struct {
	ID       string  `yaml:"id"`
	Name     string  `yaml:"name"`
	Balance  float64 `yaml:"balance"`
	Currency string  `yaml:"currency"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Telemetry configures the OpenTelemetry metrics exporter.
type Telemetry struct {
	Enabled      bool          `yaml:"enabled"`
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Insecure     bool          `yaml:"insecure"`
	Interval     time.Duration `yaml:"interval"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a configuration that runs entirely on the simulator.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/tradeterm.db",
		},
		Server: Server{Host: "127.0.0.1", Port: 8080},
		Alpaca: Alpaca{
			BaseURL:  "https://paper-api.alpaca.markets",
			DataFeed: "iex",
		},
		Finnhub: Finnhub{Exchange: "US", RateLimitPerMin: 60},
		Feed:    Feed{Provider: "simulator"},
		Broker:  Broker{Provider: "simulator"},
		Terminal: Terminal{
			DefaultSymbol:     "AAPL",
			DefaultResolution: "1D/1m",
			Series:            "candles",
			Watchlist:         "tradeterm",
		},
		Simulator: Simulator{
			Accounts: []SimAccount{
				{ID: "sim-1", Name: "Simulated", Balance: 100000, Currency: "USD"},
			},
			Symbols:       []string{"AAPL", "MSFT", "NVDA", "TSLA", "SPY"},
			TickInterval:  time.Second,
			StartingPrice: 100,
		},
		Logging:   Logging{Level: "info", Format: "json"},
		Telemetry: Telemetry{OTLPEndpoint: "localhost:4318", Interval: 30 * time.Second},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, loads a .env file from the working directory if present, and
// then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if err := finish(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

func finish(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg.Validate()
}

// Validate rejects unknown providers.
func (c *Config) Validate() error {
	switch c.Feed.Provider {
	case "alpaca", "finnhub", "simulator":
	default:
		return fmt.Errorf("feed.provider %q: want alpaca, finnhub or simulator", c.Feed.Provider)
	}
	switch c.Broker.Provider {
	case "alpaca", "simulator":
	default:
		return fmt.Errorf("broker.provider %q: want alpaca or simulator", c.Broker.Provider)
	}
	if c.Broker.Provider == "simulator" && len(c.Simulator.Accounts) == 0 {
		return errors.New("simulator broker needs at least one account")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_STREAM_URL"); v != "" {
		cfg.Alpaca.StreamURL = v
	}

	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		cfg.Finnhub.APIKey = v
	}

	if v := os.Getenv("TRADETERM_FEED"); v != "" {
		cfg.Feed.Provider = v
	}
	if v := os.Getenv("TRADETERM_BROKER"); v != "" {
		cfg.Broker.Provider = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
