package executor

import (
	"fmt"
	"strings"
)

// substituteTemplate replaces {{key}} placeholders in tmpl with values from
// inputs (spec §4.6 tool_call/finalize template substitution). Unknown keys
// are left as-is, matching the "lenient" posture the rest of the handshake
// takes toward malformed upstream data.
func substituteTemplate(tmpl string, inputs map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		start += i
		b.WriteString(tmpl[i:start])
		end := strings.Index(tmpl[start:], "}}")
		if end < 0 {
			b.WriteString(tmpl[start:])
			break
		}
		end += start
		key := strings.TrimSpace(tmpl[start+2 : end])
		if v, ok := lookupKeyPath(inputs, key); ok {
			b.WriteString(fmt.Sprint(v))
		} else {
			b.WriteString(tmpl[start : end+2])
		}
		i = end + 2
	}
	return b.String()
}

// lookupKeyPath resolves a dotted key path ("a.b.c") against a nested
// map[string]any, mirroring the {{key}} lookup against nested inputs that
// tidwall/gjson-style lenient extraction elsewhere in this package performs
// for llm_reason outputs.
func lookupKeyPath(inputs map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var cur any = inputs
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// renderTemplateFields substitutes {{key}} placeholders recursively across a
// map[string]any template (used for tool_call requestTemplate).
func renderTemplateFields(tmpl map[string]any, inputs map[string]any) map[string]any {
	if tmpl == nil {
		return nil
	}
	out := make(map[string]any, len(tmpl))
	for k, v := range tmpl {
		out[k] = renderTemplateValue(v, inputs)
	}
	return out
}

func renderTemplateValue(v any, inputs map[string]any) any {
	switch t := v.(type) {
	case string:
		return substituteTemplate(t, inputs)
	case map[string]any:
		return renderTemplateFields(t, inputs)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = renderTemplateValue(e, inputs)
		}
		return out
	default:
		return v
	}
}
