package executor

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
)

// branchVMBudget bounds how long a branch node's condition script may run
// before it is interrupted — see DESIGN.md's Open Question decision on
// branch-node evaluation.
const branchVMBudget = 50 * time.Millisecond

// executeBranch implements spec §4.6's branch handler: evaluate
// node.Condition as a JavaScript expression against the step's inputs
// using a sandboxed goja VM, and report which of onTrue/onFalse was taken
// so the lifecycle manager can skip the edge not selected.
func (ex *Executor) executeBranch(node domain.Node, step domain.Step) Result {
	vm := newGojaRuntime()

	timer := time.AfterFunc(branchVMBudget, func() {
		vm.Interrupt("branch condition exceeded time budget")
	})
	defer timer.Stop()

	if err := vm.Set("input", step.Inputs); err != nil {
		return Result{Status: StatusFailed, Error: &domain.StepError{Code: "BRANCH_VM_SETUP_FAILED", Message: err.Error()}}
	}

	value, err := vm.RunString(node.Condition)
	if err != nil {
		return Result{Status: StatusFailed, Error: &domain.StepError{Code: "BRANCH_EVAL_FAILED", Message: err.Error()}}
	}

	taken := value.ToBoolean()
	nextNode := node.OnFalse
	if taken {
		nextNode = node.OnTrue
	}
	if nextNode == "" {
		return Result{
			Status: StatusFailed,
			Error:  &domain.StepError{Code: "BRANCH_TARGET_MISSING", Message: fmt.Sprintf("branch resolved to %v but no target node configured", taken)},
		}
	}

	return Result{
		Status: StatusSucceeded,
		Outputs: map[string]any{
			"branchTaken": nextNode,
		},
	}
}
