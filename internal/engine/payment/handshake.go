package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/metrics"
	"github.com/r3e-network/workflow-engine/internal/engine/ssrf"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// Wallet is the external collaborator contract named in spec §6:
// wallet.balance(...) and wallet.sign(...).
type Wallet interface {
	Balance(ctx context.Context, address, network string) (*big.Int, error)
	Sign(ctx context.Context, req Requirement) ([]byte, error)
}

// PolicyRejectedError is raised for the no-retry rejections named in spec
// §7: SSRF block, payment disallowed, amount exceeds max, unsupported
// network, insufficient wallet balance.
type PolicyRejectedError struct {
	Reason string
}

func (e *PolicyRejectedError) Error() string { return "payment: policy rejected: " + e.Reason }

// Opts configures one x402Fetch call.
type Opts struct {
	MaxPaymentAtomic string
	RunID            string
	StepID           string
	Attempt          int
	WorkspaceID      string
	ToolID           string
	Allowlist        []string
	WalletAddress    string
	Method           string
	Body             []byte
	Headers          map[string]string
}

// idempotencyKey builds the runId:stepId:attempt key spec §4.5 attaches to
// every settlement request, and that PaymentReceipt.LookupKey is stored
// under.
func idempotencyKey(opts Opts) string {
	return fmt.Sprintf("%s:%s:%d", opts.RunID, opts.StepID, opts.Attempt)
}

// FetchResult is the outcome of x402Fetch.
type FetchResult struct {
	StatusCode int
	Body       []byte
	Paid       bool
	Receipt    *domain.PaymentReceipt
}

// Handshake wraps outbound HTTP calls with SSRF validation and the 402
// payment protocol.
type Handshake struct {
	HTTPClient *http.Client
	SSRF       *ssrf.Policy
	Events     storage.EventStore
	Receipts   storage.ReceiptStore
	Wallet     Wallet
	Log        *logger.Logger
}

// New constructs a Handshake with sensible defaults.
func New(httpClient *http.Client, policy *ssrf.Policy, events storage.EventStore, receipts storage.ReceiptStore, wallet Wallet, log *logger.Logger) *Handshake {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second, CheckRedirect: noRedirect}
	}
	if log == nil {
		log = logger.NewDefault("x402-handshake")
	}
	return &Handshake{HTTPClient: httpClient, SSRF: policy, Events: events, Receipts: receipts, Wallet: wallet, Log: log}
}

func noRedirect(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

// Fetch implements spec §4.5's 13-step handshake.
func (h *Handshake) Fetch(ctx context.Context, url string, opts Opts) (FetchResult, error) {
	// 1. SSRF-validate.
	if h.SSRF != nil {
		if res := h.SSRF.Validate(ctx, url, opts.Allowlist); !res.Valid {
			return FetchResult{}, &PolicyRejectedError{Reason: "ssrf:" + res.Reason}
		}
	}

	// 2. Initial request, no automatic redirects.
	resp, body, err := h.doRequest(ctx, url, opts)
	if err != nil {
		return FetchResult{}, err
	}

	// 3. Non-402: return as-is.
	if resp.StatusCode != http.StatusPaymentRequired {
		return FetchResult{StatusCode: resp.StatusCode, Body: body, Paid: false}, nil
	}

	// 4. Parse payment requirements (dialect detection).
	req, err := ParseRequirement(resp.Header.Get("PAYMENT-REQUIRED"), body)
	if err != nil {
		return FetchResult{}, err
	}

	// 5. Normalize network id.
	caip2, _, known := NormalizeNetwork(req.Network)
	req.Network = caip2

	// 6. Record 402_RECEIVED.
	h.appendEvent(ctx, opts, domain.Event402Received, map[string]any{
		"dialect": string(req.Dialect),
		"amount":  req.AmountAtomic,
		"network": req.Network,
	})

	// 7. Validate amount and network.
	if !known {
		h.appendEvent(ctx, opts, domain.EventPaymentFailed, map[string]any{"reason": "unsupported_network", "network": req.Network})
		return FetchResult{}, &PolicyRejectedError{Reason: "unsupported_network"}
	}
	amount, ok := new(big.Int).SetString(req.AmountAtomic, 10)
	if !ok {
		return FetchResult{}, fmt.Errorf("payment: invalid amount %q", req.AmountAtomic)
	}
	maxAllowed, ok := new(big.Int).SetString(opts.MaxPaymentAtomic, 10)
	if !ok {
		maxAllowed = big.NewInt(0)
	}
	if amount.Cmp(maxAllowed) > 0 {
		h.appendEvent(ctx, opts, domain.EventPaymentFailed, map[string]any{"reason": "amount_exceeds_max"})
		return FetchResult{}, &PolicyRejectedError{Reason: "amount_exceeds_max"}
	}

	// 8. Wallet balance check.
	if h.Wallet == nil {
		return FetchResult{}, fmt.Errorf("payment: wallet not configured")
	}
	balance, err := h.Wallet.Balance(ctx, opts.WalletAddress, req.Network)
	if err != nil {
		h.appendEvent(ctx, opts, domain.EventPaymentFailed, map[string]any{"reason": "balance_check_failed", "error": err.Error()})
		return FetchResult{}, fmt.Errorf("payment: wallet balance check: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		h.appendEvent(ctx, opts, domain.EventPaymentFailed, map[string]any{"reason": "insufficient_balance"})
		return FetchResult{}, &PolicyRejectedError{Reason: "insufficient_balance"}
	}

	// 9. PAYMENT_SENT, sign, attach header, re-issue.
	h.appendEvent(ctx, opts, domain.EventPaymentSent, map[string]any{"amount": req.AmountAtomic, "network": req.Network})
	sig, err := h.Wallet.Sign(ctx, req)
	if err != nil {
		h.appendEvent(ctx, opts, domain.EventPaymentFailed, map[string]any{"reason": "sign_failed", "error": err.Error()})
		return FetchResult{}, fmt.Errorf("payment: sign: %w", err)
	}
	signedOpts := opts
	signedOpts.Headers = cloneHeaders(opts.Headers)
	if req.Dialect == DialectA {
		signedOpts.Headers["PAYMENT-SIGNATURE"] = base64.StdEncoding.EncodeToString(sig)
	} else {
		signedOpts.Headers["X-PAYMENT"] = base64.StdEncoding.EncodeToString(sig)
	}
	signedOpts.Headers["Idempotency-Key"] = idempotencyKey(opts)

	resp2, body2, err := h.doRequest(ctx, url, signedOpts)
	if err != nil {
		h.appendEvent(ctx, opts, domain.EventPaymentFailed, map[string]any{"reason": "settlement_request_failed", "error": err.Error()})
		return FetchResult{}, err
	}

	// 10. Parse settlement response.
	var txHash string
	var settlementEncoded string
	if req.Dialect == DialectA {
		settlementEncoded = resp2.Header.Get("PAYMENT-RESPONSE")
	} else {
		settlementEncoded = resp2.Header.Get("X-PAYMENT-RESPONSE")
	}
	if settlementEncoded != "" {
		if decoded, err := base64.StdEncoding.DecodeString(settlementEncoded); err == nil {
			var parsed struct {
				TxHash string `json:"txHash"`
			}
			_ = json.Unmarshal(decoded, &parsed)
			txHash = parsed.TxHash
		}
	}

	success := resp2.StatusCode >= 200 && resp2.StatusCode < 300
	status := domain.ReceiptSettled
	if !success {
		status = domain.ReceiptRejected
	}

	// 11. Persist receipt.
	receipt := domain.PaymentReceipt{
		RunID:                   opts.RunID,
		StepID:                  opts.StepID,
		ToolID:                  opts.ToolID,
		Network:                 req.Network,
		Asset:                   req.Asset,
		AmountAtomic:            req.AmountAtomic,
		PaymentRequiredEncoded:  req.Encoded,
		PaymentSignatureEncoded: base64.StdEncoding.EncodeToString(sig),
		PaymentResponseEncoded:  settlementEncoded,
		TxHash:                  txHash,
		Status:                  status,
		LookupKey:               idempotencyKey(opts),
		CreatedAt:               time.Now().UTC(),
	}
	var stored domain.PaymentReceipt
	if h.Receipts != nil {
		stored, err = h.Receipts.InsertReceipt(ctx, receipt)
		if err != nil {
			return FetchResult{}, fmt.Errorf("payment: record receipt: %w", err)
		}
	} else {
		stored = receipt
		stored.ID = uuid.NewString()
	}

	// 12. PAYMENT_CONFIRMED / PAYMENT_FAILED.
	amountFloat, _ := new(big.Float).SetInt(amount).Float64()
	metrics.PaymentAmount.WithLabelValues(string(status)).Add(amountFloat)
	if success {
		h.appendEvent(ctx, opts, domain.EventPaymentConfirmed, map[string]any{"receipt_id": stored.ID, "amount": req.AmountAtomic})
	} else {
		h.appendEvent(ctx, opts, domain.EventPaymentFailed, map[string]any{"receipt_id": stored.ID, "status_code": resp2.StatusCode})
		return FetchResult{StatusCode: resp2.StatusCode, Body: body2, Paid: true, Receipt: &stored}, fmt.Errorf("payment: settlement rejected (status %d)", resp2.StatusCode)
	}

	// 13. 2xx return.
	return FetchResult{StatusCode: resp2.StatusCode, Body: body2, Paid: true, Receipt: &stored}, nil
}

func (h *Handshake) doRequest(ctx context.Context, url string, opts Opts) (*http.Response, []byte, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var reader io.Reader
	if len(opts.Body) > 0 {
		reader = bytes.NewReader(opts.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("payment: build request: %w", err)
	}
	for k, v := range opts.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := h.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("payment: execute request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("payment: read response: %w", err)
	}
	return resp, body, nil
}

func (h *Handshake) appendEvent(ctx context.Context, opts Opts, eventType domain.EventType, data map[string]any) {
	if h.Events == nil {
		return
	}
	data["step_id"] = opts.StepID
	_, err := h.Events.AppendEvent(ctx, domain.Event{
		RunID:       opts.RunID,
		WorkspaceID: opts.WorkspaceID,
		Type:        eventType,
		Data:        data,
		Actor:       domain.Actor{Type: domain.ActorSystem, ID: "x402-handshake"},
	})
	if err != nil {
		h.Log.WithError(err).Warn("failed to append payment event")
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}
