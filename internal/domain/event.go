package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Event is an append-only record of a state change.
type Event struct {
	ID         uint64 // global sequence, assigned on append
	ResourceID uint64 // vault or fund id
	Timestamp  time.Time
	Data       EventData
}

// Event data type tags.
const (
	EventVaultCreated       = "vault_created"
	EventFundsDeposited     = "funds_deposited"
	EventExecutionTriggered = "execution_triggered"
	EventExecutionCompleted = "execution_completed"
	EventExecutionSkipped   = "execution_skipped"
	EventVaultCancelled     = "vault_cancelled"
	EventVaultExhausted     = "vault_exhausted"
	EventEscrowDisbursed    = "escrow_disbursed"
	EventFundRebalanced     = "fund_rebalanced"
)

// Execution skip reasons.
const (
	SkipPriceThresholdExceeded    = "price_threshold_exceeded"
	SkipSlippageToleranceExceeded = "slippage_tolerance_exceeded"
	SkipInsufficientLiquidity     = "insufficient_liquidity"
	SkipSwapAmountAdjustedToZero  = "swap_amount_adjusted_to_zero"
)

// EventData is the payload of an event. Implementations are the types below.
type EventData interface {
	EventType() string
	attributes() map[string]string
}

// VaultCreated is appended when a vault is created.
type VaultCreated struct {
	Owner string `json:"owner"`
}

// FundsDeposited is appended on every deposit, including the initial one.
type FundsDeposited struct {
	Amount Coin `json:"amount"`
}

// ExecutionTriggered is appended when a due trigger starts an execution.
type ExecutionTriggered struct {
	SwapDenom   string          `json:"swap_denom"`
	TargetDenom string          `json:"target_denom"`
	AssetPrice  decimal.Decimal `json:"asset_price"`
}

// ExecutionCompleted is appended after a successful swap.
type ExecutionCompleted struct {
	Sent           Coin            `json:"sent"`
	Received       Coin            `json:"received"`
	Fee            Coin            `json:"fee"`
	SwapAdjustment decimal.Decimal `json:"swap_adjustment"`
	Price          decimal.Decimal `json:"price"`
}

// ExecutionSkipped is appended when an execution did not swap.
type ExecutionSkipped struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// VaultCancelled is appended on explicit cancellation.
type VaultCancelled struct {
	Refunded Coin `json:"refunded"`
}

// VaultExhausted is appended when a vault goes inactive.
type VaultExhausted struct {
	Refunded Coin `json:"refunded"`
}

// EscrowDisbursed is appended when escrow is released.
type EscrowDisbursed struct {
	AmountDisbursed Coin `json:"amount_disbursed"`
	PerformanceFee  Coin `json:"performance_fee"`
}

// FundRebalanced is appended after a rebalance run.
type FundRebalanced struct {
	RunID    string `json:"run_id"`
	Swaps    int    `json:"swaps"`
	Failures int    `json:"failures"`
	Aborted  bool   `json:"aborted"`
}

func (VaultCreated) EventType() string       { return EventVaultCreated }
func (FundsDeposited) EventType() string     { return EventFundsDeposited }
func (ExecutionTriggered) EventType() string { return EventExecutionTriggered }
func (ExecutionCompleted) EventType() string { return EventExecutionCompleted }
func (ExecutionSkipped) EventType() string   { return EventExecutionSkipped }
func (VaultCancelled) EventType() string     { return EventVaultCancelled }
func (VaultExhausted) EventType() string     { return EventVaultExhausted }
func (EscrowDisbursed) EventType() string    { return EventEscrowDisbursed }
func (FundRebalanced) EventType() string     { return EventFundRebalanced }

func (e VaultCreated) attributes() map[string]string {
	return map[string]string{"owner": e.Owner}
}

func (e FundsDeposited) attributes() map[string]string {
	return map[string]string{"amount": e.Amount.String()}
}

func (e ExecutionTriggered) attributes() map[string]string {
	return map[string]string{
		"swap_denom":   e.SwapDenom,
		"target_denom": e.TargetDenom,
		"asset_price":  e.AssetPrice.String(),
	}
}

func (e ExecutionCompleted) attributes() map[string]string {
	return map[string]string{
		"sent":            e.Sent.String(),
		"received":        e.Received.String(),
		"fee":             e.Fee.String(),
		"swap_adjustment": e.SwapAdjustment.String(),
		"price":           e.Price.String(),
	}
}

func (e ExecutionSkipped) attributes() map[string]string {
	return map[string]string{"reason": e.Reason}
}

func (e VaultCancelled) attributes() map[string]string {
	return map[string]string{"refunded": e.Refunded.String()}
}

func (e VaultExhausted) attributes() map[string]string {
	return map[string]string{"refunded": e.Refunded.String()}
}

func (e EscrowDisbursed) attributes() map[string]string {
	return map[string]string{
		"amount_disbursed": e.AmountDisbursed.String(),
		"performance_fee":  e.PerformanceFee.String(),
	}
}

func (e FundRebalanced) attributes() map[string]string {
	return map[string]string{
		"run_id":   e.RunID,
		"swaps":    fmt.Sprint(e.Swaps),
		"failures": fmt.Sprint(e.Failures),
		"aborted":  fmt.Sprint(e.Aborted),
	}
}

// FlattenAttributes merges the attributes of events into one map keyed by
// "<event_type>.<attribute>". Repeated keys keep every value in event order.
func FlattenAttributes(events []*Event) map[string][]string {
	out := make(map[string][]string)
	for _, e := range events {
		if e == nil || e.Data == nil {
			continue
		}
		attrs := e.Data.attributes()
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := e.Data.EventType() + "." + k
			out[key] = append(out[key], attrs[k])
		}
	}
	return out
}

// MarshalEventData encodes event data as JSON. The type tag is stored separately.
func MarshalEventData(d EventData) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", d.EventType(), err)
	}
	return data, nil
}

// UnmarshalEventData decodes event data of the given type.
func UnmarshalEventData(eventType string, raw []byte) (EventData, error) {
	var d EventData
	switch eventType {
	case EventVaultCreated:
		d = &VaultCreated{}
	case EventFundsDeposited:
		d = &FundsDeposited{}
	case EventExecutionTriggered:
		d = &ExecutionTriggered{}
	case EventExecutionCompleted:
		d = &ExecutionCompleted{}
	case EventExecutionSkipped:
		d = &ExecutionSkipped{}
	case EventVaultCancelled:
		d = &VaultCancelled{}
	case EventVaultExhausted:
		d = &VaultExhausted{}
	case EventEscrowDisbursed:
		d = &EscrowDisbursed{}
	case EventFundRebalanced:
		d = &FundRebalanced{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("unmarshal %s event: %w", eventType, err)
	}
	return deref(d), nil
}

// deref returns the value form so decoded events compare equal to constructed ones.
func deref(d EventData) EventData {
	switch v := d.(type) {
	case *VaultCreated:
		return *v
	case *FundsDeposited:
		return *v
	case *ExecutionTriggered:
		return *v
	case *ExecutionCompleted:
		return *v
	case *ExecutionSkipped:
		return *v
	case *VaultCancelled:
		return *v
	case *VaultExhausted:
		return *v
	case *EscrowDisbursed:
		return *v
	case *FundRebalanced:
		return *v
	}
	return d
}
