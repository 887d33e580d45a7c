package types

import (
	"strings"
	"time"
)

// Tick is a single price observation delivered by the market-data feed
type Tick struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Direction is the bias of an external trading signal
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// ParseDirection normalises buy/sell/long/short spellings
func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy", "bull", "bullish":
		return DirectionLong
	case "short", "sell", "bear", "bearish":
		return DirectionShort
	default:
		return DirectionFlat
	}
}

// Signal is a directional record from the signal intake
type Signal struct {
	Symbol    string
	Direction Direction
	Timeframe string // e.g. "M15", "H1", "1h"; empty means unspecified
	Source    string
	Timestamp time.Time
}

// Side is the side of an order or position
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the closing side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// SideForDirection maps a signal direction to an entry side
func SideForDirection(d Direction) (Side, bool) {
	switch d {
	case DirectionLong:
		return SideBuy, true
	case DirectionShort:
		return SideSell, true
	default:
		return "", false
	}
}
