package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/observability"
	"dca-vault-engine/internal/storage"
)

// Executor executes the due trigger of one vault.
type Executor interface {
	Execute(ctx context.Context, vaultID uint64, now time.Time) (*domain.ExecutionResult, error)
}

// PassResult counts what one pass did.
type PassResult struct {
	Due       int
	Executed  int
	Skipped   int
	Exhausted int
	Retryable int // liquidity or slippage, trigger left due
	Failed    int
}

// Runner pages through due vaults and executes each one.
type Runner struct {
	vaults   storage.VaultStore
	executor Executor
	prices   PriceSource
	pageSize int
	logger   *log.Logger
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Vaults   storage.VaultStore
	Executor Executor
	Prices   PriceSource // required for price triggers
	PageSize int         // Default and cap: storage.MaxPageLimit
	Logger   *log.Logger
}

// NewRunner creates a new scheduler runner.
func NewRunner(opts RunnerOptions) *Runner {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > storage.MaxPageLimit {
		pageSize = storage.MaxPageLimit
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Runner{
		vaults:   opts.Vaults,
		executor: opts.Executor,
		prices:   opts.Prices,
		pageSize: pageSize,
		logger:   logger,
	}
}

// RunPass executes every vault due at now. A failing vault is logged and
// counted; it never stops the pass. Only storage errors while listing abort it.
func (r *Runner) RunPass(ctx context.Context, now time.Time) (PassResult, error) {
	start := time.Now()
	var result PassResult

	err := r.runPass(ctx, now, &result)

	status := "success"
	if err != nil {
		status = "error"
	}
	observability.RecordPass(status, result.Due, time.Since(start).Seconds(), now.Unix())

	if err != nil {
		return result, err
	}
	r.logger.Printf("Pass at %s: due=%d executed=%d skipped=%d exhausted=%d retryable=%d failed=%d",
		now.Format(time.RFC3339), result.Due, result.Executed, result.Skipped,
		result.Exhausted, result.Retryable, result.Failed)
	return result, nil
}

func (r *Runner) runPass(ctx context.Context, now time.Time, result *PassResult) error {
	seen := make(map[uint64]struct{})

	// Time triggers
	err := r.forEachPage(ctx, func(page storage.Page) ([]*domain.Vault, error) {
		return ListDue(ctx, r.vaults, now, page)
	}, func(v *domain.Vault) {
		seen[v.ID] = struct{}{}
		r.execute(ctx, v.ID, now, result)
	})
	if err != nil {
		return err
	}

	// Price triggers
	for _, status := range []domain.VaultStatus{domain.VaultStatusScheduled, domain.VaultStatusActive} {
		status := status
		err := r.forEachPage(ctx, func(page storage.Page) ([]*domain.Vault, error) {
			return r.vaults.ListByStatus(ctx, status, page)
		}, func(v *domain.Vault) {
			if _, ok := v.Trigger.(domain.PriceTrigger); !ok {
				return
			}
			if _, done := seen[v.ID]; done {
				return
			}
			due, err := IsDue(ctx, v, now, r.prices)
			if err != nil {
				r.logger.Printf("Vault %d: check price trigger: %v", v.ID, err)
				return
			}
			if due {
				seen[v.ID] = struct{}{}
				r.execute(ctx, v.ID, now, result)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// forEachPage walks list with a forward start_after cursor.
func (r *Runner) forEachPage(ctx context.Context, list func(storage.Page) ([]*domain.Vault, error), fn func(*domain.Vault)) error {
	page := storage.Page{Limit: r.pageSize}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		vaults, err := list(page)
		if err != nil {
			return err
		}
		for _, v := range vaults {
			fn(v)
		}
		if len(vaults) < page.Limit {
			return nil
		}
		page = page.After(vaults[len(vaults)-1].ID)
	}
}

func (r *Runner) execute(ctx context.Context, vaultID uint64, now time.Time, result *PassResult) {
	result.Due++

	res, err := r.executor.Execute(ctx, vaultID, now)
	if err != nil {
		retryable := domain.IsRetryable(err)
		observability.RecordExecutionFailure(retryable)
		if retryable {
			result.Retryable++
			r.logger.Printf("Vault %d: retry next pass: %v", vaultID, err)
			return
		}
		result.Failed++
		if !errors.Is(err, domain.ErrPaused) {
			r.logger.Printf("Vault %d: execution failed: %v", vaultID, err)
		}
		return
	}

	switch res.Outcome {
	case domain.OutcomeExecuted:
		result.Executed++
	case domain.OutcomeSkipped:
		result.Skipped++
	case domain.OutcomeExhausted:
		result.Exhausted++
	}
}
