// Package scheduler implements the Claim Scheduler (C8): stall recovery,
// bounded-concurrency atomic claim loop, and per-step execution handoff to
// the Step Executor. Grounded on
// internal/app/services/oracle/dispatcher.go's ticker+resolver dispatch
// loop and internal/app/services/gasbank/settlement.go's bounded-fan-out
// settlement pass.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/r3e-network/workflow-engine/internal/engine/core"
	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/executor"
	"github.com/r3e-network/workflow-engine/internal/engine/lifecycle"
	"github.com/r3e-network/workflow-engine/internal/engine/metrics"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// StallThreshold is the spec's STALL_THRESHOLD_MS: a running step whose
// lease predates this is presumed abandoned by a crashed worker.
const StallThreshold = 5 * time.Minute

// MaxStepsPerTick is the spec's MAX_STEPS_PER_TICK.
const MaxStepsPerTick = 10

// Scope restricts a tick to a single run; the zero value ticks every run.
type Scope struct {
	RunID string
}

// Counts aggregates one tick's outcomes (spec §4.8 step 4).
type Counts struct {
	Claimed  int
	Succeeded int
	Failed   int
	Retrying int
	Blocked  int
}

// DefaultClaimRatePerSecond caps how fast one scheduler instance issues
// ClaimNextStep calls, so a misconfigured tick interval or a huge
// maxSteps cannot hammer the store with a claim storm.
const DefaultClaimRatePerSecond = 50

// Scheduler drives ticks over the shared store.
type Scheduler struct {
	Runs      storage.RunStore
	Steps     storage.StepStore
	Events    storage.EventStore
	Executor  *executor.Executor
	Lifecycle *lifecycle.Manager
	Log       *logger.Logger
	Clock     func() time.Time
	// Limiter bounds the pace of ClaimNextStep calls within claimBatch.
	Limiter *rate.Limiter
	// StallThreshold overrides the package default when positive.
	StallThreshold time.Duration
}

// New constructs a Scheduler.
func New(runs storage.RunStore, steps storage.StepStore, events storage.EventStore, exec *executor.Executor, lc *lifecycle.Manager, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("claim-scheduler")
	}
	limiter := rate.NewLimiter(rate.Limit(DefaultClaimRatePerSecond), DefaultClaimRatePerSecond)
	return &Scheduler{
		Runs: runs, Steps: steps, Events: events, Executor: exec, Lifecycle: lc, Log: log, Clock: time.Now,
		Limiter:        limiter,
		StallThreshold: StallThreshold,
	}
}

// Tick implements spec §4.8's tick({maxSteps, concurrency, scope}).
func (s *Scheduler) Tick(ctx context.Context, maxSteps int, concurrency int, scope Scope) Counts {
	if maxSteps <= 0 {
		maxSteps = MaxStepsPerTick
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	s.recoverStalled(ctx)

	claimed := s.claimBatch(ctx, maxSteps, scope)
	if len(claimed) == 0 {
		return Counts{}
	}

	counts := Counts{Claimed: len(claimed)}
	var mu sync.Mutex
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, step := range claimed {
		step := step
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := s.executeOne(ctx, step)
			mu.Lock()
			switch outcome {
			case executor.StatusSucceeded:
				counts.Succeeded++
			case executor.StatusFailed:
				counts.Failed++
			case executor.StatusRetrying:
				counts.Retrying++
			case executor.StatusBlocked:
				counts.Blocked++
			}
			mu.Unlock()
			metrics.TickSteps.WithLabelValues(string(outcome)).Inc()
		}()
	}
	wg.Wait()
	return counts
}

// recoverStalled implements spec §4.8 step 1.
func (s *Scheduler) recoverStalled(ctx context.Context) {
	running, err := s.Steps.ListRunningSteps(ctx)
	if err != nil {
		s.Log.WithError(err).Warn("scheduler: list running steps failed")
		return
	}
	threshold := s.StallThreshold
	if threshold <= 0 {
		threshold = StallThreshold
	}
	now := s.Clock()
	for _, st := range running {
		if st.LockedBy == nil || now.Sub(st.LockedBy.LockedAt) < threshold {
			continue
		}
		if err := s.Steps.ReleaseStaleStep(ctx, st.RunID, st.StepID, st.LockedBy.WorkerID); err != nil && !storage.IsConflict(err) {
			s.Log.WithError(err).WithField("step_id", st.StepID).Warn("scheduler: release stale step failed")
		}
	}
}

// claimBatch implements spec §4.8 step 2: repeat claim up to maxSteps,
// aborting the loop on first absence.
func (s *Scheduler) claimBatch(ctx context.Context, maxSteps int, scope Scope) []domain.Step {
	workerID := uuid.NewString()
	out := make([]domain.Step, 0, maxSteps)
	for i := 0; i < maxSteps; i++ {
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				break
			}
		}
		now := s.Clock()
		step, err := s.Steps.ClaimNextStep(ctx, scope.RunID, workerID, now)
		if err != nil {
			if !storage.IsNotFound(err) {
				s.Log.WithError(err).Warn("scheduler: claim failed")
			}
			break
		}
		out = append(out, step)
	}
	return out
}

// executeOne runs one claimed step through the Executor and applies
// spec §4.6's post-processing (persist outcome, unblock dependents, check
// completion, retry arbitration).
func (s *Scheduler) executeOne(ctx context.Context, step domain.Step) executor.Status {
	run, err := s.Runs.GetRun(ctx, step.RunID)
	if err != nil {
		s.Log.WithError(err).WithField("run_id", step.RunID).Warn("scheduler: get run failed")
		return executor.StatusFailed
	}
	if run.Status.Terminal() {
		s.releaseStepForTerminalRun(ctx, step)
		return executor.StatusFailed
	}

	node := findNode(run.Graph, step.StepID)
	if node == nil {
		s.markFailed(ctx, run, step, &domain.StepError{Code: "FATAL", Message: "node not found in graph snapshot"})
		return executor.StatusFailed
	}

	s.appendEvent(ctx, run, domain.EventStepStarted, map[string]any{"stepId": step.StepID})

	result := s.Executor.Execute(ctx, run, *node, step, step.LockedBy.WorkerID)

	switch result.Status {
	case executor.StatusSucceeded:
		s.markSucceeded(ctx, run, step, result)
	case executor.StatusBlocked:
		s.markBlocked(ctx, run, step, result)
	default:
		s.arbitrateFailure(ctx, run, step, result)
	}
	return result.Status
}

// releaseStepForTerminalRun clears a claimed step's lock without touching
// run status. A step can be claimed right before its run reaches a
// terminal status (most commonly a cancel); leaving it Running+locked
// would otherwise only surface via stall reclaim, which would claim and
// release it again every StallThreshold forever.
func (s *Scheduler) releaseStepForTerminalRun(ctx context.Context, step domain.Step) {
	now := s.Clock()
	_, err := s.Steps.UpdateStep(ctx, step.RunID, step.StepID, func(st domain.Step) (domain.Step, error) {
		st.Status = domain.StepFailed
		st.Error = &domain.StepError{Code: "FATAL", Message: "run already reached a terminal status"}
		st.LockedBy = nil
		st.UpdatedAt = now
		return st, nil
	})
	if err != nil {
		s.Log.WithError(err).WithField("step_id", step.StepID).Warn("scheduler: release step for terminal run failed")
	}
}

func (s *Scheduler) markSucceeded(ctx context.Context, run domain.Run, step domain.Step, result executor.Result) {
	now := s.Clock()
	_, err := s.Steps.UpdateStep(ctx, step.RunID, step.StepID, func(st domain.Step) (domain.Step, error) {
		st.Status = domain.StepSucceeded
		st.Outputs = result.Outputs
		st.Metrics = result.Metrics
		st.LockedBy = nil
		st.UpdatedAt = now
		return st, nil
	})
	if err != nil {
		s.Log.WithError(err).WithField("step_id", step.StepID).Warn("scheduler: persist success failed")
		return
	}
	s.appendEvent(ctx, run, domain.EventStepSucceeded, map[string]any{"stepId": step.StepID})

	if s.Lifecycle != nil {
		if err := s.Lifecycle.UnblockDependents(ctx, run.ID, step.StepID, run.Graph); err != nil {
			s.Log.WithError(err).WithField("step_id", step.StepID).Warn("scheduler: unblock dependents failed")
		}
		if err := s.Lifecycle.CheckCompletion(ctx, run.ID); err != nil {
			s.Log.WithError(err).WithField("run_id", run.ID).Warn("scheduler: check completion failed")
		}
	}
}

func (s *Scheduler) markBlocked(ctx context.Context, run domain.Run, step domain.Step, result executor.Result) {
	now := s.Clock()
	reason := ""
	if result.Error != nil {
		reason = result.Error.Message
	}
	_, err := s.Steps.UpdateStep(ctx, step.RunID, step.StepID, func(st domain.Step) (domain.Step, error) {
		st.Status = domain.StepBlocked
		st.Error = result.Error
		st.LockedBy = nil
		st.UpdatedAt = now
		return st, nil
	})
	if err != nil {
		s.Log.WithError(err).WithField("step_id", step.StepID).Warn("scheduler: persist blocked failed")
		return
	}
	s.appendEvent(ctx, run, domain.EventStepBlocked, map[string]any{"stepId": step.StepID, "reason": reason})

	if _, err := s.Runs.CompareAndSwapRunStatus(ctx, run.ID, []domain.RunStatus{domain.RunRunning}, domain.RunPausedForApproval); err != nil && !storage.IsConflict(err) {
		s.Log.WithError(err).WithField("run_id", run.ID).Warn("scheduler: pause run failed")
	}
}

// arbitrateFailure implements spec §4.6's retry arbitration: only a
// TRANSIENT error is retried. Policy rejections, protocol errors, and
// every other immediate-fail class go straight to markFailed with no
// STEP_RETRY_SCHEDULED event, matching the documented error taxonomy.
func (s *Scheduler) arbitrateFailure(ctx context.Context, run domain.Run, step domain.Step, result executor.Result) {
	if result.Error == nil || result.Error.Code != executor.CodeTransient {
		s.markFailed(ctx, run, step, result.Error)
		return
	}

	maxRetries := s.Executor.DefaultMaxRetries
	now := s.Clock()

	if step.Attempt < maxRetries {
		backoff := core.DefaultBackoffPolicy.Backoff(step.Attempt, nil)
		next := now.Add(backoff)
		_, err := s.Steps.UpdateStep(ctx, step.RunID, step.StepID, func(st domain.Step) (domain.Step, error) {
			st.Status = domain.StepQueued
			st.Error = result.Error
			st.LockedBy = nil
			st.NextEligibleAt = &next
			st.UpdatedAt = now
			return st, nil
		})
		if err != nil {
			s.Log.WithError(err).WithField("step_id", step.StepID).Warn("scheduler: schedule retry failed")
			return
		}
		s.appendEvent(ctx, run, domain.EventStepRetryScheduled, map[string]any{
			"stepId":     step.StepID,
			"attempt":    step.Attempt,
			"backoffMs":  backoff.Milliseconds(),
			"nextEligibleAt": next,
		})
		return
	}

	s.markFailed(ctx, run, step, result.Error)
}

func (s *Scheduler) markFailed(ctx context.Context, run domain.Run, step domain.Step, stepErr *domain.StepError) {
	now := s.Clock()
	_, err := s.Steps.UpdateStep(ctx, step.RunID, step.StepID, func(st domain.Step) (domain.Step, error) {
		st.Status = domain.StepFailed
		st.Error = stepErr
		st.LockedBy = nil
		st.UpdatedAt = now
		return st, nil
	})
	if err != nil {
		s.Log.WithError(err).WithField("step_id", step.StepID).Warn("scheduler: persist failure failed")
	}
	s.appendEvent(ctx, run, domain.EventStepFailed, map[string]any{"stepId": step.StepID})

	if _, err := s.Runs.CompareAndSwapRunStatus(ctx, run.ID, []domain.RunStatus{run.Status}, domain.RunFailed); err != nil && !storage.IsConflict(err) {
		s.Log.WithError(err).WithField("run_id", run.ID).Warn("scheduler: fail run failed")
		return
	}
	s.appendEvent(ctx, run, domain.EventRunFailed, map[string]any{"reason": "step failed"})
}

func (s *Scheduler) appendEvent(ctx context.Context, run domain.Run, evType domain.EventType, data map[string]any) {
	if s.Events == nil {
		return
	}
	_, err := s.Events.AppendEvent(ctx, domain.Event{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		WorkspaceID: run.WorkspaceID,
		Type:        evType,
		Data:        data,
		Actor:       domain.Actor{Type: domain.ActorSystem, ID: "claim-scheduler"},
	})
	if err != nil {
		s.Log.WithError(err).Warn("scheduler: append event failed")
	}
}

func findNode(g domain.Graph, id string) *domain.Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}
