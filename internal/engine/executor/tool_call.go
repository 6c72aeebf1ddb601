package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/ledger"
	"github.com/r3e-network/workflow-engine/internal/engine/payment"
)

// executeToolCall implements spec §4.6's tool_call handler: resolve the
// tool, build the request, determine payment allowance/max, call through
// the handshake or a plain fetch, update reputation, deduct budget on a
// paid success.
func (ex *Executor) executeToolCall(ctx context.Context, run domain.Run, node domain.Node, step domain.Step) Result {
	tool, err := ex.Tools.GetTool(ctx, node.ToolID)
	if err != nil {
		return Result{Status: StatusFailed, Error: &domain.StepError{Code: "TOOL_MISSING", Message: err.Error()}}
	}
	start := ex.Clock()
	elapsedMs := func() float64 { return float64(ex.Clock().Sub(start).Milliseconds()) }

	method := node.Endpoint.Method
	if method == "" {
		method = http.MethodPost
	}
	url := tool.BaseURL + node.Endpoint.Path

	var body []byte
	if len(node.RequestTemplate) > 0 {
		rendered := renderTemplateFields(node.RequestTemplate, step.Inputs)
		body, _ = json.Marshal(rendered)
	} else if !strings.EqualFold(method, http.MethodGet) && step.Inputs != nil {
		body, _ = json.Marshal(step.Inputs)
	}

	paymentAllowed := run.AutoPayPolicy.AutoPayEnabled
	if node.Payment.Allowed != nil {
		paymentAllowed = *node.Payment.Allowed
	}

	maxAtomic := ex.DefaultPaymentMaxAtomic
	if run.AutoPayPolicy.AutoPayMaxPerStepAtomic != "" {
		maxAtomic = run.AutoPayPolicy.AutoPayMaxPerStepAtomic
	}
	if node.Payment.MaxAtomic != "" {
		maxAtomic = node.Payment.MaxAtomic
	}

	if paymentAllowed && ex.Ledger != nil {
		policyResult, err := ex.Ledger.CheckAutoPayPolicy(ctx, run, maxAtomic)
		if err != nil {
			return Result{Status: StatusFailed, Error: &domain.StepError{Code: "TRANSIENT", Message: err.Error()}}
		}
		if !policyResult.Allowed {
			ex.updateReputation(ctx, tool.ID, false, 0)
			return Result{Status: StatusFailed, Error: &domain.StepError{Code: "POLICY_REJECTED", Message: "auto-pay policy rejected: " + policyResult.Reason}}
		}
	}

	var (
		statusCode    int
		respBody      []byte
		paid          bool
		settledAtomic string
		execErr       error
	)

	if paymentAllowed {
		res, err := ex.Handshake.Fetch(ctx, url, payment.Opts{
			MaxPaymentAtomic: maxAtomic,
			RunID:            step.RunID,
			StepID:           step.StepID,
			WorkspaceID:      step.WorkspaceID,
			ToolID:           tool.ID,
			Attempt:          step.Attempt,
			Allowlist:        run.AutoPayPolicy.ToolAllowlist,
			WalletAddress:    run.AutoPayPolicy.WalletAddress,
			Method:           method,
			Body:             body,
		})
		statusCode, respBody, paid, execErr = res.StatusCode, res.Body, res.Paid, err
		if err == nil && paid && ex.Ledger != nil && res.Receipt != nil && res.Receipt.Status == domain.ReceiptSettled {
			settledAtomic = res.Receipt.AmountAtomic
			if _, dErr := ex.Ledger.CheckAndDeduct(ctx, run.ID, res.Receipt.AmountAtomic); dErr != nil {
				execErr = dErr
			}
		}
	} else {
		if ex.SSRF != nil {
			if check := ex.SSRF.Validate(ctx, url, run.AutoPayPolicy.ToolAllowlist); !check.Valid {
				return Result{Status: StatusFailed, Error: &domain.StepError{Code: "POLICY_REJECTED", Message: "ssrf:" + check.Reason}}
			}
		}
		var bodyReader io.Reader
		if len(body) > 0 {
			bodyReader = bytes.NewReader(body)
		}
		httpReq, buildErr := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if buildErr != nil {
			return Result{Status: StatusFailed, Error: &domain.StepError{Code: "BUILD_REQUEST_FAILED", Message: buildErr.Error()}}
		}
		if bodyReader != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		client := ex.Handshake.HTTPClient
		resp, doErr := client.Do(httpReq)
		if doErr != nil {
			ex.updateReputation(ctx, tool.ID, false, elapsedMs())
			return Result{Status: StatusFailed, Error: &domain.StepError{Code: "TRANSIENT", Message: doErr.Error()}}
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode
		if statusCode == http.StatusPaymentRequired {
			ex.updateReputation(ctx, tool.ID, false, elapsedMs())
			return Result{Status: StatusFailed, Error: &domain.StepError{Code: "PAYMENT_REJECTED", Message: "tool requires payment but node/workspace does not allow auto-pay"}}
		}
		respBody, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	}

	if execErr != nil {
		ex.updateReputation(ctx, tool.ID, false, elapsedMs())
		if _, ok := execErr.(*payment.PolicyRejectedError); ok {
			return Result{Status: StatusFailed, Error: &domain.StepError{Code: "POLICY_REJECTED", Message: execErr.Error()}}
		}
		var protoErr *payment.ProtocolError
		if errors.As(execErr, &protoErr) {
			return Result{Status: StatusFailed, Error: &domain.StepError{Code: "PROTOCOL_ERROR", Message: execErr.Error()}}
		}
		return Result{Status: StatusFailed, Error: &domain.StepError{Code: "TRANSIENT", Message: execErr.Error()}}
	}

	success := statusCode >= 200 && statusCode < 300
	ex.updateReputation(ctx, tool.ID, success, elapsedMs())
	if !success {
		if statusCode >= 500 {
			return Result{Status: StatusFailed, Error: &domain.StepError{Code: CodeTransient, Message: fmt.Sprintf("tool returned status %d", statusCode)}}
		}
		return Result{Status: StatusFailed, Error: &domain.StepError{Code: "UPSTREAM_ERROR", Message: fmt.Sprintf("tool returned status %d", statusCode)}}
	}

	var outputs map[string]any
	if len(respBody) > 0 {
		_ = json.Unmarshal(respBody, &outputs)
	}
	if outputs == nil {
		outputs = map[string]any{"raw": string(respBody)}
	}
	var costAtomic string
	if paid {
		costAtomic = settledAtomic
	}
	return Result{
		Status:  StatusSucceeded,
		Outputs: outputs,
		Metrics: &domain.StepMetrics{CostAtomic: costAtomic},
	}
}

func (ex *Executor) updateReputation(ctx context.Context, toolID string, success bool, latencyMs float64) {
	if ex.Tools == nil {
		return
	}
	_, _ = ex.Tools.UpdateToolReputation(ctx, toolID, func(t domain.Tool) domain.Tool {
		t.Reputation = ledger.UpdateReputation(t.Reputation, success, latencyMs)
		return t
	})
}
