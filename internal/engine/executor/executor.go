// Package executor implements the Step Executor (C6): per-node-type
// handlers and the post-processing that normalizes every outcome into
// succeeded/failed/retrying/blocked. Grounded on
// services/functions/service.go's FunctionExecutor interface plus action
// post-processing, and system/tee/script_engine.go for the goja VM used by
// branch nodes.
package executor

import (
	"context"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/ledger"
	"github.com/r3e-network/workflow-engine/internal/engine/payment"
	"github.com/r3e-network/workflow-engine/internal/engine/ssrf"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// Status is the normalized outcome of one execute() call.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusBlocked   Status = "blocked"
)

// CodeTransient marks a StepError as the only retryable failure class: a
// network-level hiccup or a 5xx reply from a tool, not a policy or protocol
// rejection. Every other error code is an immediate, no-retry failure.
const CodeTransient = "TRANSIENT"

// Result is the normalized result of executing one step.
type Result struct {
	Status  Status
	Outputs map[string]any
	Error   *domain.StepError
	Metrics *domain.StepMetrics
}

// LLMRequest/LLMResponse mirror the external llm.call(...) contract (spec
// §6).
type LLMRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	MaxTokens    int
	Temperature  float64
}

type LLMResponse struct {
	Text  string
	Usage LLMUsage
}

type LLMUsage struct {
	Input     int
	Output    int
	Total     int
	Reasoning int
}

// LLM is the external model-inference collaborator.
type LLM interface {
	Call(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// Wallet is re-exported from payment for convenience at the executor
// call site (applications wire one concrete implementation for both).
type Wallet = payment.Wallet

// Executor dispatches on node type and normalizes outcomes (spec §4.6).
type Executor struct {
	Tools      storage.ToolStore
	Handshake  *payment.Handshake
	SSRF       *ssrf.Policy
	Ledger     *ledger.Ledger
	Runs       storage.RunStore
	LLM        LLM
	Log        *logger.Logger
	Clock      func() time.Time
	DefaultMaxRetries int
	DefaultPaymentMaxAtomic string
}

// New constructs an Executor with spec-default knobs.
func New(tools storage.ToolStore, handshake *payment.Handshake, policy *ssrf.Policy, led *ledger.Ledger, runs storage.RunStore, llm LLM, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("step-executor")
	}
	return &Executor{
		Tools:                   tools,
		Handshake:               handshake,
		SSRF:                    policy,
		Ledger:                  led,
		Runs:                    runs,
		LLM:                     llm,
		Log:                     log,
		Clock:                   time.Now,
		DefaultMaxRetries:       3,
		DefaultPaymentMaxAtomic: "1000000",
	}
}

// Execute dispatches step.NodeType to the matching handler. The executor
// never lets a panic or error escape: every failure is normalized into a
// Result, matching spec §4.6's "the Executor never lets an exception
// escape" propagation policy.
func (ex *Executor) Execute(ctx context.Context, run domain.Run, node domain.Node, step domain.Step, workerID string) (result Result) {
	start := ex.Clock()
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Status:  StatusFailed,
				Error:   &domain.StepError{Code: "PANIC", Message: "recovered panic in executor"},
				Metrics: &domain.StepMetrics{LatencyMs: ex.Clock().Sub(start).Milliseconds()},
			}
		}
	}()

	var out Result
	switch node.Type {
	case domain.NodeToolCall:
		out = ex.executeToolCall(ctx, run, node, step)
	case domain.NodeLLMReason:
		out = ex.executeLLMReason(ctx, node, step)
	case domain.NodeApproval:
		out = ex.executeApproval()
	case domain.NodeWait:
		out = ex.executeWait(node)
	case domain.NodeMerge:
		out = ex.executeMerge(step)
	case domain.NodeFinalize:
		out = ex.executeFinalize(node, step)
	case domain.NodeBranch:
		out = ex.executeBranch(node, step)
	default:
		out = Result{Status: StatusFailed, Error: &domain.StepError{Code: "UNKNOWN_NODE_TYPE", Message: string(node.Type)}}
	}
	if out.Metrics == nil {
		out.Metrics = &domain.StepMetrics{}
	}
	out.Metrics.LatencyMs = ex.Clock().Sub(start).Milliseconds()
	return out
}

func newGojaRuntime() *goja.Runtime { return goja.New() }
