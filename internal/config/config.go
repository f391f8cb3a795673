package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ChartConfig is one bar feed opened at startup.
type ChartConfig struct {
	Listener   string   `yaml:"listener"`
	Symbol     string   `yaml:"symbol"`
	Timeframe  string   `yaml:"timeframe"`
	Range      int      `yaml:"range,omitempty"`
	Indicators []string `yaml:"indicators,omitempty"`
}

// QuoteConfig is one quote feed opened at startup.
type QuoteConfig struct {
	Listener string   `yaml:"listener"`
	Symbols  []string `yaml:"symbols"`
	Fast     []string `yaml:"fast,omitempty"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// Config holds everything tvfeed needs to start.
type Config struct {
	Server    string `yaml:"server"`
	URL       string `yaml:"url,omitempty"`
	AuthToken string `yaml:"auth_token,omitempty"`
	SessionID string `yaml:"session_id,omitempty"`
	Signature string `yaml:"session_sign,omitempty"`
	Language  string `yaml:"language,omitempty"`
	Country   string `yaml:"country,omitempty"`

	RateBurst int           `yaml:"rate_burst,omitempty"`
	RateEvery time.Duration `yaml:"rate_every,omitempty"`

	ReconnectAttempts int           `yaml:"reconnect_attempts,omitempty"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay,omitempty"`

	StatusAddr string `yaml:"status_addr,omitempty"`

	Log    LogConfig     `yaml:"log"`
	Charts []ChartConfig `yaml:"charts,omitempty"`
	Quotes []QuoteConfig `yaml:"quotes,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server:            "data",
		Language:          "en",
		Country:           "US",
		ReconnectAttempts: 3,
		ReconnectDelay:    15 * time.Second,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the optional YAML file at path, then .env, then TV_* environment
// variables. Each layer overrides the previous one. A missing file is not an
// error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: %s: %w", path, err)
			}
		}
	}

	// .env is optional; variables already in the environment win.
	_ = godotenv.Load()

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server = getEnvOrDefault("TV_SERVER", cfg.Server)
	cfg.URL = getEnvOrDefault("TV_URL", cfg.URL)
	cfg.AuthToken = getEnvOrDefault("TV_AUTH_TOKEN", cfg.AuthToken)
	cfg.SessionID = getEnvOrDefault("TV_SESSION_ID", cfg.SessionID)
	cfg.Signature = getEnvOrDefault("TV_SESSION_SIGN", cfg.Signature)
	cfg.Log.Level = getEnvOrDefault("TV_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnvOrDefault("TV_LOG_FILE", cfg.Log.File)
	cfg.StatusAddr = getEnvOrDefault("TV_STATUS_ADDR", cfg.StatusAddr)
	cfg.ReconnectAttempts = getEnvIntOrDefault("TV_RECONNECT_ATTEMPTS", cfg.ReconnectAttempts)

	// TV_CHARTS=listener=SYMBOL@timeframe,...
	if val := os.Getenv("TV_CHARTS"); val != "" {
		cfg.Charts = parseCharts(val)
	}
	// TV_QUOTES=SYMBOL,SYMBOL
	if val := os.Getenv("TV_QUOTES"); val != "" {
		cfg.Quotes = []QuoteConfig{{Listener: "quotes", Symbols: splitList(val)}}
	}
}

// Validate reports the first problem that would make the feed fail later.
func (c *Config) Validate() error {
	if c.Server == "" && c.URL == "" {
		return errors.New("config: server or url is required")
	}
	if c.Signature != "" && c.SessionID == "" {
		return errors.New("config: session_sign requires session_id")
	}

	seen := make(map[string]bool)
	for i, ch := range c.Charts {
		if ch.Symbol == "" {
			return fmt.Errorf("config: charts[%d] missing symbol", i)
		}
		if ch.Listener == "" {
			return fmt.Errorf("config: charts[%d] (%s) missing listener", i, ch.Symbol)
		}
		if seen[ch.Listener] {
			return fmt.Errorf("config: duplicate listener %q", ch.Listener)
		}
		seen[ch.Listener] = true
	}
	for i, q := range c.Quotes {
		if q.Listener == "" {
			return fmt.Errorf("config: quotes[%d] missing listener", i)
		}
		if len(q.Symbols) == 0 && len(q.Fast) == 0 {
			return fmt.Errorf("config: quotes[%d] (%s) has no symbols", i, q.Listener)
		}
		if seen[q.Listener] {
			return fmt.Errorf("config: duplicate listener %q", q.Listener)
		}
		seen[q.Listener] = true
	}
	return nil
}

func parseCharts(val string) []ChartConfig {
	var charts []ChartConfig
	for i, item := range splitList(val) {
		ch := ChartConfig{Listener: fmt.Sprintf("chart-%d", i+1)}
		if name, rest, ok := strings.Cut(item, "="); ok {
			ch.Listener = name
			item = rest
		}
		ch.Symbol, ch.Timeframe, _ = strings.Cut(item, "@")
		charts = append(charts, ch)
	}
	return charts
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
