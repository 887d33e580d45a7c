package exchange

import (
	"fmt"
	"strings"
	"time"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
)

// Venue types understood by the adapter factory
const (
	VenueTypeBybit = "bybit"
	VenueTypeMT5   = "mt5"
	VenueTypePaper = "paper"
)

// VenueConfig holds configuration for creating one venue connection
type VenueConfig struct {
	Name    string `json:"name" yaml:"name"`       // routing name used by strategies
	Type    string `json:"type" yaml:"type"`       // bybit, mt5 or paper
	Account string `json:"account" yaml:"account"` // default account on this venue

	RateLimit       int           `json:"rate_limit" yaml:"rate_limit"`               // burst capacity
	RefillPerSecond float64       `json:"refill_per_second" yaml:"refill_per_second"` // sustained calls per second
	CallTimeout     time.Duration `json:"call_timeout" yaml:"call_timeout"`
	BreakerFailures int           `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown time.Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`

	Bybit *BybitConfig `json:"bybit,omitempty" yaml:"bybit,omitempty"`
	MT5   *MT5Config   `json:"mt5,omitempty" yaml:"mt5,omitempty"`
	Paper *PaperConfig `json:"paper,omitempty" yaml:"paper,omitempty"`
}

// BybitConfig holds Bybit-specific configuration
type BybitConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	APISecret string `json:"api_secret" yaml:"api_secret"`
	Testnet   bool   `json:"testnet" yaml:"testnet"`
	Demo      bool   `json:"demo" yaml:"demo"`
	Category  string `json:"category" yaml:"category"` // linear by default
	Stream    bool   `json:"stream" yaml:"stream"`     // websocket ticker feed instead of polling
}

// MT5Config holds the terminal bridge settings
type MT5Config struct {
	BridgeURL string        `json:"bridge_url" yaml:"bridge_url"`
	Token     string        `json:"token" yaml:"token"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

// PaperConfig configures the in-memory simulated venue
type PaperConfig struct {
	Equity       float64            `json:"equity" yaml:"equity"`
	Prices       map[string]float64 `json:"prices" yaml:"prices"`
	NativeDedupe bool               `json:"native_dedupe" yaml:"native_dedupe"`
}

// NormalizedType returns the lower-cased venue type
func (c VenueConfig) NormalizedType() string {
	return strings.ToLower(strings.TrimSpace(c.Type))
}

// Validate checks that the section matching the venue type is usable
func (c VenueConfig) Validate() error {
	if c.Name == "" {
		return engerrors.NewConfigurationError("venue", "name", "venue name is required")
	}
	switch c.NormalizedType() {
	case VenueTypeBybit:
		if c.Bybit == nil {
			return engerrors.NewConfigurationError("venue", "bybit", fmt.Sprintf("venue %s: bybit configuration is required", c.Name))
		}
		if c.Bybit.APIKey == "" || c.Bybit.APISecret == "" {
			return engerrors.NewConfigurationError("venue", "bybit", fmt.Sprintf("venue %s: set BYBIT_API_KEY and BYBIT_API_SECRET or provide them in config", c.Name))
		}
		if c.Bybit.Testnet && c.Bybit.Demo {
			return engerrors.NewConfigurationError("venue", "bybit", fmt.Sprintf("venue %s: choose either testnet or demo mode, not both", c.Name))
		}
	case VenueTypeMT5:
		if c.MT5 == nil || c.MT5.BridgeURL == "" {
			return engerrors.NewConfigurationError("venue", "mt5", fmt.Sprintf("venue %s: mt5 bridge_url is required", c.Name))
		}
	case VenueTypePaper:
	default:
		return engerrors.NewConfigurationError("venue", "type", fmt.Sprintf("venue %s: unsupported type %q (supported: bybit, mt5, paper)", c.Name, c.Type))
	}
	if c.RateLimit < 0 || c.RefillPerSecond < 0 || c.CallTimeout < 0 {
		return engerrors.NewConfigurationError("venue", "limits", fmt.Sprintf("venue %s: rate limit and timeout must not be negative", c.Name))
	}
	return nil
}
