package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/logger"
	"github.com/ducminhle1904/strategy-engine/internal/notifications"
	"github.com/ducminhle1904/strategy-engine/internal/orchestrator"
	"github.com/ducminhle1904/strategy-engine/internal/reconciler"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
)

// Credential variables read from the environment
const (
	EnvBybitAPIKey    = "BYBIT_API_KEY"
	EnvBybitAPISecret = "BYBIT_API_SECRET"
	EnvMT5Token       = "MT5_BRIDGE_TOKEN"
	EnvTelegramToken  = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChat   = "TELEGRAM_CHAT_ID"
)

// EngineConfig represents the complete configuration of the strategy engine
type EngineConfig struct {
	// Venue connections
	Venues []exchange.VenueConfig `json:"venues" yaml:"venues"`

	// Runtime tuning, risk ceiling and contract overrides
	Engine orchestrator.Config `json:"engine" yaml:"engine"`

	// Order reconciliation and retry backoff
	Reconcile reconciler.Config `json:"reconcile" yaml:"reconcile"`

	Feed          FeedConfig         `json:"feed" yaml:"feed"`
	Notifications NotificationConfig `json:"notifications" yaml:"notifications"`
	Store         StoreConfig        `json:"store" yaml:"store"`
	Metrics       MetricsConfig      `json:"metrics" yaml:"metrics"`
	Logging       logger.Config      `json:"logging" yaml:"logging"`

	// Strategies created at boot
	Strategies []strategy.Spec `json:"strategies" yaml:"strategies"`
}

// FeedConfig holds market data settings
type FeedConfig struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	StaleAfter   time.Duration `json:"stale_after" yaml:"stale_after"` // quotes older than this are skipped
}

// NotificationConfig holds notification settings. Telegram credentials come
// from the environment only.
type NotificationConfig struct {
	Telegram    bool                   `json:"telegram" yaml:"telegram"`
	MinSeverity notifications.Severity `json:"min_severity" yaml:"min_severity"`
	QueueSize   int                    `json:"queue_size" yaml:"queue_size"`
	Timeout     time.Duration          `json:"timeout" yaml:"timeout"`

	TelegramToken string `json:"-" yaml:"-"`
	TelegramChat  string `json:"-" yaml:"-"`
}

// Dispatcher returns the dispatcher settings
func (n NotificationConfig) Dispatcher() notifications.DispatcherConfig {
	return notifications.DispatcherConfig{
		QueueSize:   n.QueueSize,
		MinSeverity: n.MinSeverity,
		Timeout:     n.Timeout,
	}
}

// StoreConfig holds the archive database location
type StoreConfig struct {
	Path string `json:"path" yaml:"path"` // empty keeps state in memory only
}

// MetricsConfig holds the ops endpoint settings
type MetricsConfig struct {
	Listen  string `json:"listen" yaml:"listen"`   // empty disables the endpoint
	Signals bool   `json:"signals" yaml:"signals"` // accept POST /signals on the same listener
}

// LoadEnv loads a .env file into the process environment. A missing file
// is not an error.
func LoadEnv(envFile string) error {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}

// LoadEngineConfig loads configuration from a YAML or JSON file, fills
// credentials from the environment, applies defaults and validates
func LoadEngineConfig(configFile string) (*EngineConfig, error) {
	// Bare names are looked up in configs/
	if !strings.ContainsAny(configFile, "/\\") {
		configFile = filepath.Join("configs", configFile)
	}

	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, engerrors.NewConfigurationError("config", "load",
			fmt.Sprintf("unsupported config format %q, use .yaml, .yml or .json", filepath.Ext(configFile)))
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes a config document. JSON is read by the YAML decoder too,
// so durations are written the same way ("5s") in both formats. Unknown
// keys are rejected.
func Parse(data []byte) (*EngineConfig, error) {
	var cfg EngineConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv fills credentials that the file leaves empty
func (c *EngineConfig) ApplyEnv(getenv func(string) string) {
	for i := range c.Venues {
		v := &c.Venues[i]
		switch v.NormalizedType() {
		case exchange.VenueTypeBybit:
			if v.Bybit == nil {
				v.Bybit = &exchange.BybitConfig{}
			}
			if v.Bybit.APIKey == "" {
				v.Bybit.APIKey = getenv(EnvBybitAPIKey)
			}
			if v.Bybit.APISecret == "" {
				v.Bybit.APISecret = getenv(EnvBybitAPISecret)
			}
		case exchange.VenueTypeMT5:
			if v.MT5 != nil && v.MT5.Token == "" {
				v.MT5.Token = getenv(EnvMT5Token)
			}
		}
	}
	c.Notifications.TelegramToken = getenv(EnvTelegramToken)
	c.Notifications.TelegramChat = getenv(EnvTelegramChat)
}

// setDefaults sets default values for missing configuration
func (c *EngineConfig) setDefaults() {
	for i := range c.Venues {
		v := &c.Venues[i]
		if v.Account == "" {
			v.Account = "default"
		}
		if v.CallTimeout == 0 {
			v.CallTimeout = 10 * time.Second
		}
		if v.Bybit != nil && v.Bybit.Category == "" {
			v.Bybit.Category = "linear"
		}
	}

	if c.Engine.SubmitWorkers == 0 {
		c.Engine.SubmitWorkers = 4
	}

	if c.Reconcile.MaxAttempts == 0 {
		c.Reconcile.MaxAttempts = reconciler.DefaultConfig().MaxAttempts
	}

	if c.Feed.PollInterval == 0 {
		c.Feed.PollInterval = time.Second
	}
	if c.Feed.StaleAfter == 0 {
		c.Feed.StaleAfter = 30 * time.Second
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = notifications.SeverityWarning
	}
	if c.Notifications.Timeout == 0 {
		c.Notifications.Timeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// boot strategies default to the first account of their venue
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Account != "" {
			continue
		}
		if v, ok := c.Venue(s.Venue); ok {
			s.Account = v.Account
		}
	}
}

// Validate validates the configuration
func (c *EngineConfig) Validate() error {
	if len(c.Venues) == 0 {
		return engerrors.NewConfigurationError("config", "venues", "at least one venue is required")
	}
	seen := make(map[string]bool, len(c.Venues))
	owner := make(map[string]string, len(c.Venues))
	for _, v := range c.Venues {
		if err := v.Validate(); err != nil {
			return err
		}
		if seen[v.Name] {
			return engerrors.NewConfigurationError("config", "venues", fmt.Sprintf("duplicate venue name %q", v.Name))
		}
		seen[v.Name] = true
		// accounts route requests, so one name cannot live on two venues
		if other, ok := owner[v.Account]; ok {
			return engerrors.NewConfigurationError("config", "venues",
				fmt.Sprintf("duplicate account %q on venues %q and %q", v.Account, other, v.Name))
		}
		owner[v.Account] = v.Name
	}

	if c.Engine.RiskCeiling < 0 {
		return engerrors.NewConfigurationError("config", "engine", "risk ceiling cannot be negative")
	}
	if c.Engine.SubmitWorkers < 0 {
		return engerrors.NewConfigurationError("config", "engine", "submit workers cannot be negative")
	}
	if c.Reconcile.MaxAttempts < 0 || c.Reconcile.RetryJitter < 0 || c.Reconcile.RetryJitter > 1 {
		return engerrors.NewConfigurationError("config", "reconcile", "max attempts cannot be negative and retry jitter must be within [0, 1]")
	}

	switch c.Notifications.MinSeverity {
	case notifications.SeverityInfo, notifications.SeverityWarning, notifications.SeverityCritical:
	default:
		return engerrors.NewConfigurationError("config", "notifications",
			fmt.Sprintf("unknown severity %q (info, warning, critical)", c.Notifications.MinSeverity))
	}
	if c.Notifications.Telegram && (c.Notifications.TelegramToken == "" || c.Notifications.TelegramChat == "") {
		return engerrors.NewConfigurationError("config", "notifications",
			fmt.Sprintf("telegram is enabled: set %s and %s", EnvTelegramToken, EnvTelegramChat))
	}

	if c.Metrics.Signals && c.Metrics.Listen == "" {
		return engerrors.NewConfigurationError("config", "metrics", "signal intake needs metrics.listen")
	}

	for i, s := range c.Strategies {
		if _, ok := c.Venue(s.Venue); !ok {
			return engerrors.NewConfigurationError("config", "strategies",
				fmt.Sprintf("strategy %d: unknown venue %q", i, s.Venue))
		}
		if _, err := strategy.NewInstance("config", s, time.Time{}); err != nil {
			return fmt.Errorf("strategy %d (%s %s): %w", i, s.Kind, s.Symbol, err)
		}
	}
	return nil
}

// Venue returns the venue section with name
func (c *EngineConfig) Venue(name string) (exchange.VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.Name == name {
			return v, true
		}
	}
	return exchange.VenueConfig{}, false
}

// Accounts maps every configured account to its venue
func (c *EngineConfig) Accounts() map[string]string {
	out := make(map[string]string, len(c.Venues))
	for _, v := range c.Venues {
		out[v.Account] = v.Name
	}
	return out
}

// Symbols returns the distinct symbols of a venue's boot strategies
func (c *EngineConfig) Symbols(venue string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range c.Strategies {
		if s.Venue == venue && !seen[s.Symbol] {
			seen[s.Symbol] = true
			out = append(out, s.Symbol)
		}
	}
	return out
}
