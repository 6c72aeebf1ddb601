package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	memstore "github.com/r3e-network/workflow-engine/internal/engine/storage/memory"
)

// dialectAHeader base64-encodes the PAYMENT-REQUIRED header payload used by
// the header dialect.
func dialectAHeader(t *testing.T, amount, network, recipient string) string {
	t.Helper()
	raw := map[string]any{
		"amount":    amount,
		"network":   network,
		"asset":     "USDC",
		"recipient": recipient,
		"scheme":    "exact",
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal dialect A header: %v", err)
	}
	return base64.StdEncoding.EncodeToString(encoded)
}

func dialectBBodyJSON(t *testing.T, amount, network, payTo string) []byte {
	t.Helper()
	raw := map[string]any{
		"x402Version": 1,
		"accepts": []map[string]any{
			{
				"scheme":            "exact",
				"network":           network,
				"maxAmountRequired": amount,
				"payTo":             payTo,
				"asset":             "USDC",
			},
		},
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal dialect B body: %v", err)
	}
	return encoded
}

// TestFetch_NonPaymentResponsePassesThrough covers the non-402 path: no
// wallet or receipt interaction at all.
func TestFetch_NonPaymentResponsePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := New(nil, nil, nil, nil, nil, nil)
	result, err := h.Fetch(context.Background(), srv.URL, Opts{MaxPaymentAtomic: "0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Paid {
		t.Fatal("expected Paid=false for a non-402 response")
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", result.StatusCode)
	}
}

// TestFetch_DialectAHappyPath drives scenario S3 via the header dialect: the
// first request gets a 402 with a PAYMENT-REQUIRED header, the handshake
// signs and retries, and a settled receipt is recorded.
func TestFetch_DialectAHappyPath(t *testing.T) {
	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt == 1 {
			w.Header().Set("PAYMENT-REQUIRED", dialectAHeader(t, "100", "base", "0xRecipient"))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		if r.Header.Get("PAYMENT-SIGNATURE") == "" {
			t.Errorf("expected settlement request to carry PAYMENT-SIGNATURE header")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	store := memstore.NewStore()
	wallet := &stubWallet{balance: big.NewInt(1_000_000)}
	h := New(nil, nil, store.Events, store.Receipts, wallet, nil)

	result, err := h.Fetch(context.Background(), srv.URL, Opts{
		MaxPaymentAtomic: "1000000",
		RunID:            "run-1",
		StepID:           "step-1",
		WorkspaceID:      "ws-1",
		ToolID:           "tool-1",
		WalletAddress:    "0xWallet",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Paid {
		t.Fatal("expected Paid=true")
	}
	if result.Receipt == nil {
		t.Fatal("expected a receipt to be recorded")
	}
	if result.Receipt.Status != "settled" {
		t.Errorf("expected settled receipt, got %s", result.Receipt.Status)
	}
	if result.Receipt.Network != "eip155:8453" {
		t.Errorf("expected network normalized to eip155:8453, got %s", result.Receipt.Network)
	}
	if attempt != 2 {
		t.Fatalf("expected exactly one retry after the 402, got %d requests", attempt)
	}
}

// TestFetch_DialectBHappyPath drives the same scenario through the JSON body
// dialect, confirming the body dialect settles via the X-PAYMENT header.
func TestFetch_DialectBHappyPath(t *testing.T) {
	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt == 1 {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(dialectBBodyJSON(t, "250", "base-sepolia", "0xRecipient"))
			return
		}
		if r.Header.Get("X-PAYMENT") == "" {
			t.Errorf("expected settlement request to carry X-PAYMENT header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memstore.NewStore()
	wallet := &stubWallet{balance: big.NewInt(1_000_000)}
	h := New(nil, nil, store.Events, store.Receipts, wallet, nil)

	result, err := h.Fetch(context.Background(), srv.URL, Opts{
		MaxPaymentAtomic: "1000000",
		RunID:            "run-2",
		StepID:           "step-1",
		WalletAddress:    "0xWallet",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Paid || result.Receipt == nil || result.Receipt.Status != "settled" {
		t.Fatalf("expected a settled receipt, got %+v", result)
	}
	if result.Receipt.Network != "eip155:84532" {
		t.Errorf("expected network normalized to eip155:84532, got %s", result.Receipt.Network)
	}
}

// TestFetch_AmountExceedsMaxRejectsWithoutSettlement drives scenario S4: the
// 402 requirement's amount exceeds the step's budget ceiling, so the
// handshake must reject before ever attempting settlement.
func TestFetch_AmountExceedsMaxRejectsWithoutSettlement(t *testing.T) {
	settlementAttempted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("PAYMENT-SIGNATURE") != "" || r.Header.Get("X-PAYMENT") != "" {
			settlementAttempted = true
		}
		w.Header().Set("PAYMENT-REQUIRED", dialectAHeader(t, "900000", "base", "0xRecipient"))
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	store := memstore.NewStore()
	wallet := &stubWallet{balance: big.NewInt(10_000_000)}
	h := New(nil, nil, store.Events, store.Receipts, wallet, nil)

	_, err := h.Fetch(context.Background(), srv.URL, Opts{
		MaxPaymentAtomic: "1000", // far below the requirement's amount
		RunID:            "run-3",
		StepID:           "step-1",
		WalletAddress:    "0xWallet",
	})
	if err == nil {
		t.Fatal("expected an error when the requirement exceeds MaxPaymentAtomic")
	}
	rejected, ok := err.(*PolicyRejectedError)
	if !ok {
		t.Fatalf("expected *PolicyRejectedError, got %T: %v", err, err)
	}
	if rejected.Reason != "amount_exceeds_max" {
		t.Errorf("expected reason=amount_exceeds_max, got %q", rejected.Reason)
	}
	if settlementAttempted {
		t.Fatal("settlement must never be attempted once the amount is rejected")
	}
}

// TestFetch_InsufficientBalanceRejects covers the wallet-balance-check
// rejection path distinct from the max-payment ceiling check.
func TestFetch_InsufficientBalanceRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("PAYMENT-REQUIRED", dialectAHeader(t, "500", "base", "0xRecipient"))
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	store := memstore.NewStore()
	wallet := &stubWallet{balance: big.NewInt(10)}
	h := New(nil, nil, store.Events, store.Receipts, wallet, nil)

	_, err := h.Fetch(context.Background(), srv.URL, Opts{
		MaxPaymentAtomic: "1000000",
		RunID:            "run-4",
		StepID:           "step-1",
		WalletAddress:    "0xWallet",
	})
	rejected, ok := err.(*PolicyRejectedError)
	if !ok {
		t.Fatalf("expected *PolicyRejectedError, got %T: %v", err, err)
	}
	if rejected.Reason != "insufficient_balance" {
		t.Errorf("expected reason=insufficient_balance, got %q", rejected.Reason)
	}
}

// TestFetch_UnsupportedNetworkRejects covers a 402 naming a network outside
// the CAIP-2 registry.
func TestFetch_UnsupportedNetworkRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("PAYMENT-REQUIRED", dialectAHeader(t, "500", "solana", "0xRecipient"))
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	store := memstore.NewStore()
	wallet := &stubWallet{balance: big.NewInt(1_000_000)}
	h := New(nil, nil, store.Events, store.Receipts, wallet, nil)

	_, err := h.Fetch(context.Background(), srv.URL, Opts{
		MaxPaymentAtomic: "1000000",
		RunID:            "run-5",
		StepID:           "step-1",
		WalletAddress:    "0xWallet",
	})
	rejected, ok := err.(*PolicyRejectedError)
	if !ok {
		t.Fatalf("expected *PolicyRejectedError, got %T: %v", err, err)
	}
	if rejected.Reason != "unsupported_network" {
		t.Errorf("expected reason=unsupported_network, got %q", rejected.Reason)
	}
}

type stubWallet struct {
	balance *big.Int
}

func (w *stubWallet) Balance(ctx context.Context, address, network string) (*big.Int, error) {
	return new(big.Int).Set(w.balance), nil
}

func (w *stubWallet) Sign(ctx context.Context, req Requirement) ([]byte, error) {
	return []byte("sig"), nil
}
