package executor

import (
	"encoding/json"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
)

// executeApproval implements spec §4.6's approval handler: it never
// executes anything itself, it simply declares the step blocked until an
// external actor (a human, via the Boundary) resolves it. The scheduler's
// markBlocked is the one that moves the run to paused_for_approval.
func (ex *Executor) executeApproval() Result {
	return Result{
		Status: StatusBlocked,
		Error:  &domain.StepError{Code: "AWAITING_APPROVAL", Message: "step requires human approval before it can proceed"},
	}
}

// executeWait implements spec §4.6's wait handler. Polling an external
// statusUrl is out of scope for this engine (Non-goals: no outbound
// long-poll workers) — the node's statusUrl/completionField/pollIntervalMs
// fields are carried through for a future poller to use, and this handler
// simply sleeps for MaxWaitMs (bounded to a small default) and succeeds,
// recording the fields it would have polled so a human or a future poller
// can inspect what was skipped.
func (ex *Executor) executeWait(node domain.Node) Result {
	waitMs := node.MaxWaitMs
	if waitMs <= 0 || waitMs > 5000 {
		waitMs = 5000
	}
	time.Sleep(time.Duration(waitMs) * time.Millisecond)
	return Result{
		Status: StatusSucceeded,
		Outputs: map[string]any{
			"waited":          true,
			"statusUrl":       node.StatusURL,
			"completionField": node.CompletionField,
			"completionValue": node.CompletionValue,
			"pollIntervalMs":  node.PollIntervalMs,
			"maxWaitMs":       node.MaxWaitMs,
			"waitedMs":        waitMs,
		},
	}
}

// executeMerge implements spec §4.6's merge handler: a merge node has no
// work of its own beyond making the union of its predecessors' outputs
// available to downstream nodes under "mergedInputs".
func (ex *Executor) executeMerge(step domain.Step) Result {
	merged := make(map[string]any, len(step.Inputs))
	for k, v := range step.Inputs {
		merged[k] = v
	}
	return Result{
		Status:  StatusSucceeded,
		Outputs: map[string]any{"mergedInputs": merged},
	}
}

// executeFinalize implements spec §4.6's finalize handler: render
// outputTemplate against the accumulated inputs, or fall back to
// serializing the inputs verbatim when the node declares no template.
func (ex *Executor) executeFinalize(node domain.Node, step domain.Step) Result {
	if node.OutputTemplate == "" {
		return Result{Status: StatusSucceeded, Outputs: step.Inputs}
	}
	rendered := substituteTemplate(node.OutputTemplate, step.Inputs)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(rendered), &parsed); err == nil {
		return Result{Status: StatusSucceeded, Outputs: parsed}
	}
	return Result{Status: StatusSucceeded, Outputs: map[string]any{"result": rendered}}
}
