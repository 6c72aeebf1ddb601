// Package storage declares the typed document store (C1): point reads,
// indexed scans, atomic conditional find-and-modify, and the queued-step
// selection the Claim Scheduler depends on. Two implementations are
// provided: memory (tests, single-process embedding) and postgres
// (internal/engine/storage/postgres, durable multi-process deployment).
//
// Method names are entity-qualified (GetRun, not Get) because a single
// store implementation backs every collection interface at once; without
// qualification method sets would collide across interfaces.
package storage

import (
	"context"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
)

// WorkspaceStore persists Workspace documents.
type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, id string) (domain.Workspace, error)
	PutWorkspace(ctx context.Context, w domain.Workspace) error
	// UpdateWorkspaceSettings applies a conditional mutation and returns the
	// after-image.
	UpdateWorkspaceSettings(ctx context.Context, id string, fn func(domain.WorkspaceSettings) domain.WorkspaceSettings) (domain.Workspace, error)
}

// ToolStore persists Tool documents scoped to a workspace.
type ToolStore interface {
	GetTool(ctx context.Context, id string) (domain.Tool, error)
	ListToolsByWorkspace(ctx context.Context, workspaceID string) ([]domain.Tool, error)
	PutTool(ctx context.Context, t domain.Tool) error
	// UpdateToolReputation atomically rewrites a tool's reputation+pricing hints.
	UpdateToolReputation(ctx context.Context, id string, fn func(domain.Tool) domain.Tool) (domain.Tool, error)
}

// RunStore persists Run documents.
type RunStore interface {
	GetRun(ctx context.Context, id string) (domain.Run, error)
	PutRun(ctx context.Context, r domain.Run) error
	// ListRunsByWorkspace returns runs ordered (workspaceId, createdAt desc).
	ListRunsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]domain.Run, error)
	// CompareAndSwapRunStatus transitions status iff the current status is
	// one of expectFrom; returns ErrConflict otherwise. Used for idempotent
	// terminal-status writes (checkCompletion, cancelRun).
	CompareAndSwapRunStatus(ctx context.Context, id string, expectFrom []domain.RunStatus, to domain.RunStatus) (domain.Run, error)
	// CompareAndSwapBudget implements the Budget Ledger's optimistic
	// deduction: fn receives the current budget and returns the next value
	// (or an error to abort, e.g. "budget" rejection); the write only lands
	// if no other writer touched the run between read and write.
	CompareAndSwapBudget(ctx context.Context, id string, fn func(current domain.Budget) (domain.Budget, error)) (domain.Run, error)
	SetHeartbeat(ctx context.Context, id string, at time.Time) error
	// ListStaleRuns returns running runs whose LastHeartbeatAt predates
	// before (stale-run detection, spec §7).
	ListStaleRuns(ctx context.Context, before time.Time) ([]domain.Run, error)
	DeleteRun(ctx context.Context, id string) error
}

// StepStore persists per-node Step documents.
type StepStore interface {
	GetStep(ctx context.Context, runID, stepID string) (domain.Step, error)
	PutStep(ctx context.Context, s domain.Step) error
	ListStepsByRun(ctx context.Context, runID string) ([]domain.Step, error)
	// UpdateStep applies fn to the current step and persists the result,
	// failing with ErrConflict if the step changed underneath.
	UpdateStep(ctx context.Context, runID, stepID string, fn func(domain.Step) (domain.Step, error)) (domain.Step, error)
	// ClaimNextStep atomically selects one document matching
	// status=queued AND (nextEligibleAt missing OR <= now), optionally
	// scoped to a single run, sorted by updatedAt asc, and applies
	// {status: running, lockedBy: {workerID, now}, $inc: attempt},
	// returning the after-image. Returns ErrNotFound if nothing is eligible.
	ClaimNextStep(ctx context.Context, scopeRunID string, workerID string, now time.Time) (domain.Step, error)
	// ListRunningSteps returns steps with status=running, for stall detection.
	ListRunningSteps(ctx context.Context) ([]domain.Step, error)
	// ReleaseStaleStep atomically resets a step from running back to
	// queued, clearing its lease, iff its lease still matches
	// observedWorkerID (prevents a race against a worker that just
	// finished). Returns ErrConflict if the step moved on already.
	ReleaseStaleStep(ctx context.Context, runID, stepID string, observedWorkerID string) error
	DeleteStepsByRun(ctx context.Context, runID string) error
}

// EventStore is the append-only event log (C2).
type EventStore interface {
	// AppendEvent assigns an id and ts=now, then persists the event.
	// Infallible on a valid event per spec §4.2.
	AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error)
	// EventsSince returns events for runID with ts > after, ascending.
	EventsSince(ctx context.Context, runID string, after time.Time) ([]domain.Event, error)
	DeleteEventsByRun(ctx context.Context, runID string) error
}

// ReceiptStore persists PaymentReceipt documents.
type ReceiptStore interface {
	InsertReceipt(ctx context.Context, r domain.PaymentReceipt) (domain.PaymentReceipt, error)
	ListReceiptsByRun(ctx context.Context, runID string) ([]domain.PaymentReceipt, error)
	DeleteReceiptsByRun(ctx context.Context, runID string) error
}

// ArtifactStore persists StepArtifact overflow blobs.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, a domain.StepArtifact) error
	GetArtifact(ctx context.Context, runID, stepID string) (domain.StepArtifact, error)
	DeleteArtifactsByRun(ctx context.Context, runID string) error
}

// Store aggregates every collection the engine needs. Application wiring
// passes a single Store around instead of seven separate constructor
// params, mirroring the teacher's Stores aggregate in
// applications/application.go.
type Store struct {
	Workspaces WorkspaceStore
	Tools      ToolStore
	Runs       RunStore
	Steps      StepStore
	Events     EventStore
	Receipts   ReceiptStore
	Artifacts  ArtifactStore
}
