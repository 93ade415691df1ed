package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trigger type tags.
const (
	TriggerTypeTime  = "time"
	TriggerTypePrice = "price"
)

// Trigger is the condition gating a vault's next execution.
// Implementations: TimeTrigger, PriceTrigger.
type Trigger interface {
	TriggerType() string
	isTrigger()
}

// TimeTrigger fires once now >= TargetTime.
type TimeTrigger struct {
	TargetTime time.Time `json:"target_time"`
}

// PriceTrigger fires when the quoted price (swap denom per target denom)
// drops to TargetPrice or below.
type PriceTrigger struct {
	TargetPrice decimal.Decimal `json:"target_price"`
	OrderRef    string          `json:"order_ref,omitempty"` // optional limit order reference
}

func (TimeTrigger) TriggerType() string  { return TriggerTypeTime }
func (PriceTrigger) TriggerType() string { return TriggerTypePrice }

func (TimeTrigger) isTrigger()  {}
func (PriceTrigger) isTrigger() {}

type triggerEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalTrigger encodes a trigger as a tagged JSON document. A nil trigger encodes to nil.
func MarshalTrigger(t Trigger) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal %s trigger: %w", t.TriggerType(), err)
	}
	return json.Marshal(triggerEnvelope{Type: t.TriggerType(), Data: data})
}

// UnmarshalTrigger decodes a document produced by MarshalTrigger.
func UnmarshalTrigger(raw []byte) (Trigger, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env triggerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal trigger envelope: %w", err)
	}
	switch env.Type {
	case TriggerTypeTime:
		var t TimeTrigger
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal time trigger: %w", err)
		}
		return t, nil
	case TriggerTypePrice:
		var t PriceTrigger
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal price trigger: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", env.Type)
	}
}
