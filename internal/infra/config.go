package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration. Secrets may live in the
// file for development, but environment variables always win.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Trading struct {
		Mode string `yaml:"mode"` // PAPER, DEMO, REAL
	} `yaml:"trading"`

	API struct {
		Binance struct {
			RestURL      string `yaml:"rest_url"`
			WSURL        string `yaml:"ws_url"`
			APIKey       string `yaml:"api_key"`
			SecretKey    string `yaml:"secret_key"`
			RecvWindowMS int    `yaml:"recv_window_ms"`
		} `yaml:"binance"`
		RateLimitPerSec float64 `yaml:"rate_limit_per_sec"` // shared gateway call budget
		RateBurst       int     `yaml:"rate_burst"`
	} `yaml:"api"`

	Engine struct {
		TickIntervalMS   int    `yaml:"tick_interval_ms"`
		MonitorRetries   int    `yaml:"monitor_retries"`
		MonitorBackoffMS int    `yaml:"monitor_backoff_ms"`
		TWAPStallPolicy  string `yaml:"twap_stall_policy"` // MARKET_FALLBACK or CARRY_FORWARD
	} `yaml:"engine"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.Binance.RestURL == "" {
		c.API.Binance.RestURL = "https://fapi.binance.com"
	}
	if c.API.Binance.WSURL == "" {
		c.API.Binance.WSURL = "wss://fstream.binance.com/ws"
	}
	if c.API.Binance.RecvWindowMS == 0 {
		c.API.Binance.RecvWindowMS = 5000
	}
	if c.API.RateLimitPerSec == 0 {
		c.API.RateLimitPerSec = 10
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = 5
	}
	if c.Engine.TickIntervalMS == 0 {
		c.Engine.TickIntervalMS = 1000
	}
	if c.Engine.MonitorRetries == 0 {
		c.Engine.MonitorRetries = 3
	}
	if c.Engine.MonitorBackoffMS == 0 {
		c.Engine.MonitorBackoffMS = 1000
	}
	if c.Engine.TWAPStallPolicy == "" {
		c.Engine.TWAPStallPolicy = "MARKET_FALLBACK"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Trading.Mode) {
	case "PAPER", "DEMO", "REAL":
	case "":
		return fmt.Errorf("trading.mode is required (PAPER, DEMO or REAL)")
	default:
		return fmt.Errorf("unknown trading mode: %s", c.Trading.Mode)
	}

	if !strings.HasPrefix(c.API.Binance.RestURL, "http://") && !strings.HasPrefix(c.API.Binance.RestURL, "https://") {
		return fmt.Errorf("invalid Binance REST URL: %s", c.API.Binance.RestURL)
	}
	if !strings.HasPrefix(c.API.Binance.WSURL, "ws://") && !strings.HasPrefix(c.API.Binance.WSURL, "wss://") {
		return fmt.Errorf("invalid Binance WS URL: %s", c.API.Binance.WSURL)
	}

	if c.API.RateLimitPerSec <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.Engine.TickIntervalMS <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}

	switch c.Engine.TWAPStallPolicy {
	case "MARKET_FALLBACK", "CARRY_FORWARD":
	default:
		return fmt.Errorf("unknown TWAP stall policy: %s", c.Engine.TWAPStallPolicy)
	}

	return nil
}

// TickInterval returns the engine tick as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickIntervalMS) * time.Millisecond
}

// MonitorBackoff returns the monitor retry backoff base.
func (c *Config) MonitorBackoff() time.Duration {
	return time.Duration(c.Engine.MonitorBackoffMS) * time.Millisecond
}

// overrideWithEnv applies environment variables over file values.
// Env always wins so keys can stay out of committed config.
func overrideWithEnv(cfg *Config) {
	if cfg.API.Binance.SecretKey != "" {
		fmt.Println("⚠️  SECURITY WARNING: API secret found in config file.")
		fmt.Println("   Recommendation: use FUT_BINANCE_KEY / FUT_BINANCE_SECRET instead.")
	}

	if key := os.Getenv("FUT_BINANCE_KEY"); key != "" {
		cfg.API.Binance.APIKey = key
	}
	if secret := os.Getenv("FUT_BINANCE_SECRET"); secret != "" {
		cfg.API.Binance.SecretKey = secret
	}
	if mode := os.Getenv("FUT_TRADING_MODE"); mode != "" {
		cfg.Trading.Mode = mode
	}
}
