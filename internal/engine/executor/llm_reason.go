package executor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
)

const defaultSystemPrompt = "You are a step in an automated workflow. Use the provided context to accomplish this step's goal and nothing more."

// executeLLMReason implements spec §4.6's llm_reason handler: compose
// prompts, call the external llm.call contract, and — when the node
// declares outputFormat "json" — lenient-extract a JSON object from the
// response text before storing it.
func (ex *Executor) executeLLMReason(ctx context.Context, node domain.Node, step domain.Step) Result {
	system := node.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	user := node.UserPromptTemplate
	if user != "" {
		user = substituteTemplate(user, step.Inputs)
	} else {
		user = renderContextFromInputs(step.Inputs)
	}

	resp, err := ex.LLM.Call(ctx, LLMRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		Model:        "default",
		MaxTokens:    2048,
		Temperature:  0.2,
	})
	if err != nil {
		return Result{Status: StatusFailed, Error: &domain.StepError{Code: "TRANSIENT", Message: err.Error()}}
	}

	outputs := map[string]any{"text": resp.Text}
	if node.OutputFormat == "json" {
		if parsed, ok := lenientJSONExtract(resp.Text); ok {
			outputs["json"] = parsed
		}
	}
	tokens := resp.Usage.Total
	return Result{
		Status:  StatusSucceeded,
		Outputs: outputs,
		Metrics: &domain.StepMetrics{Tokens: &tokens},
	}
}

// renderContextFromInputs builds a default user prompt from predecessor
// outputs when the node supplies no userPromptTemplate.
func renderContextFromInputs(inputs map[string]any) string {
	if len(inputs) == 0 {
		return "No prior step outputs are available."
	}
	var b strings.Builder
	b.WriteString("Context from prior steps:\n")
	for k, v := range inputs {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(gjson.Parse(toJSONBestEffort(v)).String())
		b.WriteString("\n")
	}
	return b.String()
}

// lenientJSONExtract strips Markdown code fences, repairs trailing commas,
// and attempts to parse the result as a JSON object — the "lenient JSON
// extraction" spec §4.6 calls for on llm_reason outputs declaring
// outputFormat=json.
func lenientJSONExtract(text string) (map[string]any, bool) {
	cleaned := stripCodeFences(text)
	cleaned = repairTrailingCommas(cleaned)
	if !gjson.Valid(cleaned) {
		return nil, false
	}
	result := gjson.Parse(cleaned)
	if !result.IsObject() {
		return nil, false
	}
	out := make(map[string]any)
	result.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value.Value()
		return true
	})
	return out, true
}

func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

func repairTrailingCommas(text string) string {
	var b strings.Builder
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == ',' {
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\n' || text[j] == '\t' || text[j] == '\r') {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func toJSONBestEffort(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return gjson.Parse("{}").Raw
	}
	return string(raw)
}
