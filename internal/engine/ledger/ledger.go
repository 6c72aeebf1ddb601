// Package ledger implements the Budget Ledger (C3): optimistic deduction of
// a run's spend counter and auto-pay policy gating against the run's frozen
// settings snapshot. Grounded on services/gasbank's compensating-rollback
// service shape and infrastructure/state's CompareAndSwap idiom, adapted
// from a balance-transfer ledger to a single monotonic spend counter.
package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// DeductResult is the outcome of CheckAndDeduct.
type DeductResult struct {
	Allowed bool
	Reason  string
	Run     domain.Run
}

// PolicyResult is the outcome of CheckAutoPayPolicy.
type PolicyResult struct {
	Allowed bool
	Reason  string
}

// Ledger owns budget accounting for runs.
type Ledger struct {
	runs storage.RunStore
	log  *logger.Logger
}

// New constructs a Ledger over the given RunStore.
func New(runs storage.RunStore, log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.NewDefault("budget-ledger")
	}
	return &Ledger{runs: runs, log: log}
}

func parseAtomic(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid atomic amount %q", s)
	}
	return n, nil
}

// CheckAndDeduct implements spec §4.3's optimistic-lock deduction: load
// spentAtomic, reject if spent+amount > maxAtomic, else conditionally write
// the new total. storage.RunStore.CompareAndSwapBudget already guarantees
// the write only lands if nothing raced it; on ErrConflict the whole check
// is retried with freshly re-read state, unbounded, per spec.
func (l *Ledger) CheckAndDeduct(ctx context.Context, runID string, amountAtomic string) (DeductResult, error) {
	amount, err := parseAtomic(amountAtomic)
	if err != nil {
		return DeductResult{}, err
	}

	for {
		var rejected string
		run, err := l.runs.CompareAndSwapBudget(ctx, runID, func(current domain.Budget) (domain.Budget, error) {
			spent, err := parseAtomic(current.SpentAtomic)
			if err != nil {
				return current, err
			}
			max, err := parseAtomic(current.MaxAtomic)
			if err != nil {
				return current, err
			}
			next := new(big.Int).Add(spent, amount)
			if next.Cmp(max) > 0 {
				rejected = "budget"
				return current, errBudgetExceeded
			}
			current.SpentAtomic = next.String()
			return current, nil
		})
		if err == nil {
			return DeductResult{Allowed: true, Run: run}, nil
		}
		if err == errBudgetExceeded {
			return DeductResult{Allowed: false, Reason: rejected}, nil
		}
		if storage.IsConflict(err) {
			l.log.WithField("run_id", runID).Debug("budget CAS conflict, retrying")
			continue
		}
		return DeductResult{}, err
	}
}

var errBudgetExceeded = fmt.Errorf("ledger: budget exceeded")

// CheckAutoPayPolicy applies spec §4.3's ordered checks against the run's
// frozen AutoPayPolicy snapshot — never the workspace's live settings.
func (l *Ledger) CheckAutoPayPolicy(ctx context.Context, run domain.Run, amountAtomic string) (PolicyResult, error) {
	policy := run.AutoPayPolicy
	if !policy.AutoPayEnabled {
		return PolicyResult{Allowed: false, Reason: "disabled"}, nil
	}

	amount, err := parseAtomic(amountAtomic)
	if err != nil {
		return PolicyResult{}, err
	}

	if policy.AutoPayMaxPerStepAtomic != "" {
		perStep, err := parseAtomic(policy.AutoPayMaxPerStepAtomic)
		if err != nil {
			return PolicyResult{}, err
		}
		if amount.Cmp(perStep) > 0 {
			return PolicyResult{Allowed: false, Reason: "per-step"}, nil
		}
	}

	spent, err := parseAtomic(run.Budget.SpentAtomic)
	if err != nil {
		return PolicyResult{}, err
	}
	projected := new(big.Int).Add(spent, amount)

	if policy.AutoPayMaxPerRunAtomic != "" {
		perRun, err := parseAtomic(policy.AutoPayMaxPerRunAtomic)
		if err != nil {
			return PolicyResult{}, err
		}
		if projected.Cmp(perRun) > 0 {
			return PolicyResult{Allowed: false, Reason: "per-run"}, nil
		}
	}

	max, err := parseAtomic(run.Budget.MaxAtomic)
	if err != nil {
		return PolicyResult{}, err
	}
	if projected.Cmp(max) > 0 {
		return PolicyResult{Allowed: false, Reason: "budget"}, nil
	}

	return PolicyResult{Allowed: true}, nil
}

// RecordReceipt inserts a receipt document with the supplied status.
func (l *Ledger) RecordReceipt(ctx context.Context, receipts storage.ReceiptStore, r domain.PaymentReceipt) (domain.PaymentReceipt, error) {
	return receipts.InsertReceipt(ctx, r)
}

// UpdateReputation applies the spec §3 exponential moving average (alpha =
// 0.1) to a tool's reputation after an invocation.
func UpdateReputation(rep domain.ToolReputation, success bool, latencyMs float64) domain.ToolReputation {
	const alpha = 0.1
	observed := 0.0
	if success {
		observed = 1.0
	}
	if rep.SuccessRate == 0 && rep.AvgLatencyMs == 0 {
		// First observation: seed rather than blend against a zero baseline.
		rep.SuccessRate = observed
		rep.AvgLatencyMs = latencyMs
		return rep
	}
	rep.SuccessRate = alpha*observed + (1-alpha)*rep.SuccessRate
	rep.AvgLatencyMs = alpha*latencyMs + (1-alpha)*rep.AvgLatencyMs
	return rep
}
