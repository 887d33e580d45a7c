package risk

import (
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// ContractSpec describes how a venue sizes orders for a symbol
type ContractSpec struct {
	Symbol        string  `json:"symbol" yaml:"symbol"`
	ContractValue float64 `json:"contract_value" yaml:"contract_value"` // value of one unit per unit of price
	MinSize       float64 `json:"min_size" yaml:"min_size"`
	MaxSize       float64 `json:"max_size" yaml:"max_size"` // 0 means unbounded
	SizeStep      float64 `json:"size_step" yaml:"size_step"`
}

// Exposure is one open position as seen by the risk calculator
type Exposure struct {
	Symbol        string
	Size          float64 // signed
	Price         float64
	ContractValue float64
}

// Snapshot is a recomputed, never persisted view of account risk
type Snapshot struct {
	Account              string             `json:"account"`
	Equity               float64            `json:"equity"`
	PerSymbolExposure    map[string]float64 `json:"per_symbol_exposure"`
	NetSize              map[string]float64 `json:"net_size"`
	TotalExposure        float64            `json:"total_exposure"`
	PendingExposure      float64            `json:"pending_exposure"` // remaining notional of orders live at the venue
	AggregateRiskPercent float64            `json:"aggregate_risk_percent"`
	Ceiling              float64            `json:"ceiling"`
	Headroom             float64            `json:"headroom"`
	Breach               bool               `json:"breach"`
	SuggestedSize        map[string]float64 `json:"suggested_size,omitempty"` // largest order per symbol that fits the headroom
}

// TrailingStopInput carries everything TrailingStop needs.
// Either TrailDistance or CallbackRatio (fraction of the water mark) sets the distance.
type TrailingStopInput struct {
	Side            types.Side
	CurrentPrice    float64
	EntryPrice      float64
	TrailDistance   float64
	CallbackRatio   float64
	ActivationPrice float64 // 0 trails immediately
	HighWaterMark   float64 // best price seen; lowest for shorts. 0 when unset
	PreviousStop    float64 // 0 when no stop has been set
}

// TrailingStopResult is the recomputed stop
type TrailingStopResult struct {
	Stop      float64
	WaterMark float64
	Active    bool
	Moved     bool
}
