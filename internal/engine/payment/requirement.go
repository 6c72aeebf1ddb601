// Package payment implements the 402 Payment Handshake (C5): detects and
// parses the two payment-required wire dialects, normalizes network ids to
// CAIP-2, signs via the external wallet contract, retries with payment, and
// persists a receipt. Grounded on services/oracle/resolver_http.go's
// resolver-tuple idiom and infrastructure/resilience for retry/circuit
// breaking of the outbound call.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Dialect identifies which of the two observed 402 wire forms produced a
// Requirement.
type Dialect string

const (
	DialectA Dialect = "A" // header PAYMENT-REQUIRED, base64 JSON
	DialectB Dialect = "B" // body {x402Version:1, accepts:[...]}
)

// Requirement is the normalized payment requirement extracted from a 402
// response, regardless of which dialect produced it.
type Requirement struct {
	Dialect      Dialect
	Scheme       string
	Network      string // normalized CAIP-2 form
	Asset        string
	Recipient    string
	AmountAtomic string
	Deadline     time.Time
	// Encoded is the base64 form used for both the signing input and the
	// receipt's PaymentRequiredEncoded field.
	Encoded string
}

// dialectARaw mirrors the header's decoded JSON object shape. Both array and
// object forms are accepted; an array takes its first entry.
type dialectARaw struct {
	Amount            string `json:"amount"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Network           string `json:"network"`
	NetworkID         string `json:"networkId"`
	Asset             string `json:"asset"`
	Resource          string `json:"resource"`
	Recipient         string `json:"recipient"`
	PayTo             string `json:"payTo"`
	Deadline          int64  `json:"deadline"`
	ValidUntil        int64  `json:"validUntil"`
	Scheme            string `json:"scheme"`
}

type dialectBAccept struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
}

type dialectBBody struct {
	X402Version int              `json:"x402Version"`
	Accepts     []dialectBAccept `json:"accepts"`
}

// ProtocolError is raised when neither dialect parses (spec §4.5 step 4).
type ProtocolError struct {
	Headers    map[string][]string
	BodyPrefix string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("payment: neither x402 dialect parsed (body prefix %q)", e.BodyPrefix)
}

// ParseRequirement implements spec §4.5 step 4's version detection. Dialect
// A (the PAYMENT-REQUIRED header) wins on ambiguity when both are present.
func ParseRequirement(headerValue string, body []byte) (Requirement, error) {
	if headerValue != "" {
		if req, ok := parseDialectA(headerValue); ok {
			return req, nil
		}
	}
	if req, ok := parseDialectB(body); ok {
		return req, nil
	}
	prefix := string(body)
	if len(prefix) > 256 {
		prefix = prefix[:256]
	}
	return Requirement{}, &ProtocolError{BodyPrefix: prefix}
}

func parseDialectA(headerValue string) (Requirement, bool) {
	decoded, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return Requirement{}, false
	}

	var raw dialectARaw
	var asArray []dialectARaw
	if err := json.Unmarshal(decoded, &asArray); err == nil && len(asArray) > 0 {
		raw = asArray[0]
	} else if err := json.Unmarshal(decoded, &raw); err != nil {
		return Requirement{}, false
	}

	amount := firstNonEmpty(raw.Amount, raw.MaxAmountRequired)
	network := firstNonEmpty(raw.Network, raw.NetworkID)
	asset := firstNonEmpty(raw.Asset, raw.Resource)
	recipient := firstNonEmpty(raw.Recipient, raw.PayTo)
	if amount == "" || network == "" || recipient == "" {
		return Requirement{}, false
	}
	scheme := raw.Scheme
	if scheme == "" {
		scheme = "exact"
	}
	var deadline time.Time
	if raw.Deadline > 0 {
		deadline = time.Unix(raw.Deadline, 0).UTC()
	} else if raw.ValidUntil > 0 {
		deadline = time.Unix(raw.ValidUntil, 0).UTC()
	}

	return Requirement{
		Dialect:      DialectA,
		Scheme:       scheme,
		Network:      network,
		Asset:        asset,
		Recipient:    recipient,
		AmountAtomic: amount,
		Deadline:     deadline,
		Encoded:      headerValue,
	}, true
}

func parseDialectB(body []byte) (Requirement, bool) {
	var raw dialectBBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return Requirement{}, false
	}
	if raw.X402Version == 0 || len(raw.Accepts) == 0 {
		return Requirement{}, false
	}
	// First accepts[] entry wins (spec tie-break).
	accept := raw.Accepts[0]
	if accept.MaxAmountRequired == "" || accept.Network == "" || accept.PayTo == "" {
		return Requirement{}, false
	}
	scheme := accept.Scheme
	if scheme == "" {
		scheme = "exact"
	}
	var deadline time.Time
	if accept.MaxTimeoutSeconds > 0 {
		deadline = time.Now().Add(time.Duration(accept.MaxTimeoutSeconds) * time.Second)
	}

	return Requirement{
		Dialect:      DialectB,
		Scheme:       scheme,
		Network:      accept.Network,
		Asset:        accept.Asset,
		Recipient:    accept.PayTo,
		AmountAtomic: accept.MaxAmountRequired,
		Deadline:     deadline,
		Encoded:      base64.StdEncoding.EncodeToString(body),
	}, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
