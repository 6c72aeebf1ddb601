package refstub

import (
	"context"
	"fmt"
	"strings"

	"github.com/r3e-network/workflow-engine/internal/engine/executor"
)

// EchoLLM is the reference model-inference collaborator: it never calls out
// to a real model, instead composing a deterministic response from the
// prompt it was given. Sufficient to exercise llm_reason's prompt
// composition, templating, and lenient JSON extraction paths without a
// live model; production wiring swaps this for an HTTP-backed client
// behind the same executor.LLM interface.
type EchoLLM struct{}

// NewEchoLLM constructs the reference LLM collaborator.
func NewEchoLLM() *EchoLLM { return &EchoLLM{} }

func (l *EchoLLM) Call(ctx context.Context, req executor.LLMRequest) (executor.LLMResponse, error) {
	text := fmt.Sprintf(`{"response": %q}`, strings.TrimSpace(req.UserPrompt))
	tokens := len(strings.Fields(req.SystemPrompt)) + len(strings.Fields(req.UserPrompt))
	return executor.LLMResponse{
		Text: text,
		Usage: executor.LLMUsage{
			Input:  len(strings.Fields(req.UserPrompt)),
			Output: len(strings.Fields(text)),
			Total:  tokens,
		},
	}, nil
}

var _ executor.LLM = (*EchoLLM)(nil)
