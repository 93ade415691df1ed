package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PositionType tells whether a vault accumulates (enter) or distributes (exit) the pair's base asset.
type PositionType string

const (
	PositionEnter PositionType = "enter"
	PositionExit  PositionType = "exit"
)

// Valid reports whether p is a known position type.
func (p PositionType) Valid() bool {
	return p == PositionEnter || p == PositionExit
}

// Swap adjustment strategy type tags.
const (
	AdjustmentRiskWeightedAverage = "risk_weighted_average"
	AdjustmentWeightedScale       = "weighted_scale"
)

// SwapAdjustmentStrategy scales a vault's configured swap amount per execution.
// Implementations: RiskWeightedAverage, WeightedScale.
type SwapAdjustmentStrategy interface {
	AdjustmentType() string
	isSwapAdjustmentStrategy()
}

// RiskWeightedAverage looks its multiplier up in the admin adjustment table.
type RiskWeightedAverage struct {
	BaseDenom    string       `json:"base_denom"`
	ModelID      uint8        `json:"model_id"` // bucket id, e.g. 30..90
	PositionType PositionType `json:"position_type"`
}

// WeightedScale increases the swap size when the expected receive falls below BaseReceiveAmount.
type WeightedScale struct {
	Multiplier        decimal.Decimal `json:"multiplier"`
	BaseReceiveAmount decimal.Decimal `json:"base_receive_amount"`
	IncreaseOnly      bool            `json:"increase_only"`
}

func (RiskWeightedAverage) AdjustmentType() string { return AdjustmentRiskWeightedAverage }
func (WeightedScale) AdjustmentType() string       { return AdjustmentWeightedScale }

func (RiskWeightedAverage) isSwapAdjustmentStrategy() {}
func (WeightedScale) isSwapAdjustmentStrategy()       {}

// PerformanceAssessmentStrategy benchmarks a vault against a counterfactual.
// Implementations: CompareToStandardDCA.
type PerformanceAssessmentStrategy interface {
	AssessmentType() string
	isPerformanceAssessmentStrategy()
}

// AssessmentCompareToStandardDCA is the only assessment type.
const AssessmentCompareToStandardDCA = "compare_to_standard_dca"

// CompareToStandardDCA is the shadow ledger of an unadjusted, unescrowed,
// fixed-size schedule executed at the same prices as the vault. FeeCharged
// is the performance fee already taken from escrow.
type CompareToStandardDCA struct {
	SwappedAmount  Coin `json:"swapped_amount"`
	ReceivedAmount Coin `json:"received_amount"`
	FeeCharged     Coin `json:"fee_charged"`
}

func (CompareToStandardDCA) AssessmentType() string { return AssessmentCompareToStandardDCA }

func (CompareToStandardDCA) isPerformanceAssessmentStrategy() {}

type strategyEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalSwapAdjustment encodes a strategy as tagged JSON. Nil encodes to nil.
func MarshalSwapAdjustment(s SwapAdjustmentStrategy) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s strategy: %w", s.AdjustmentType(), err)
	}
	return json.Marshal(strategyEnvelope{Type: s.AdjustmentType(), Data: data})
}

// UnmarshalSwapAdjustment decodes a document produced by MarshalSwapAdjustment.
func UnmarshalSwapAdjustment(raw []byte) (SwapAdjustmentStrategy, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env strategyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal strategy envelope: %w", err)
	}
	switch env.Type {
	case AdjustmentRiskWeightedAverage:
		var s RiskWeightedAverage
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("unmarshal risk weighted average: %w", err)
		}
		return s, nil
	case AdjustmentWeightedScale:
		var s WeightedScale
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("unmarshal weighted scale: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown swap adjustment strategy %q", env.Type)
	}
}

// MarshalPerformanceAssessment encodes a strategy as tagged JSON. Nil encodes to nil.
func MarshalPerformanceAssessment(s PerformanceAssessmentStrategy) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s strategy: %w", s.AssessmentType(), err)
	}
	return json.Marshal(strategyEnvelope{Type: s.AssessmentType(), Data: data})
}

// UnmarshalPerformanceAssessment decodes a document produced by MarshalPerformanceAssessment.
func UnmarshalPerformanceAssessment(raw []byte) (PerformanceAssessmentStrategy, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env strategyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal strategy envelope: %w", err)
	}
	if env.Type != AssessmentCompareToStandardDCA {
		return nil, fmt.Errorf("unknown performance assessment strategy %q", env.Type)
	}
	var s CompareToStandardDCA
	if err := json.Unmarshal(env.Data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal compare to standard dca: %w", err)
	}
	return s, nil
}
