package domain

import "errors"

// Engine error taxonomy. Callers wrap these with the offending identifier
// (vault id, denom or pair) and check them with errors.Is.
var (
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInsufficientFunds is returned when a balance cannot cover a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientLiquidity is returned when market depth cannot fill a swap.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrSlippageExceeded is returned when a quote deviates beyond the tolerance.
	ErrSlippageExceeded = errors.New("slippage tolerance exceeded")

	// ErrConfiguration is returned for malformed tables, allocations or registry entries.
	ErrConfiguration = errors.New("configuration error")

	// ErrPaused is returned for commands issued while the engine is paused.
	ErrPaused = errors.New("engine is paused")
)

// IsRetryable reports whether err is a transient market condition. Retryable
// failures leave state untouched and the trigger due.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInsufficientLiquidity) || errors.Is(err, ErrSlippageExceeded)
}
