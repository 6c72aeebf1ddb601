package payment

import "strings"

// NetworkInfo describes one CAIP-2 network the handshake knows how to
// settle payments on (spec §6's reference registry).
type NetworkInfo struct {
	CAIP2           string
	USDCContract    string
}

// shortNameAliases maps short/legacy network names to their CAIP-2 form.
var shortNameAliases = map[string]string{
	"base":         "eip155:8453",
	"base-sepolia": "eip155:84532",
	"ethereum":     "eip155:1",
	"mainnet":      "eip155:1",
}

// registry is the reference registry of supported CAIP-2 networks and their
// USDC contract addresses (spec §6). Solana has neither a short-name alias
// in shortNameAliases nor a registry entry, so a solana network id passes
// through NormalizeNetwork unchanged and then fails its "known to the USDC
// registry" check, same as any other unsupported chain.
var registry = map[string]NetworkInfo{
	"eip155:8453":  {CAIP2: "eip155:8453", USDCContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"},
	"eip155:84532": {CAIP2: "eip155:84532", USDCContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"},
	"eip155:1":     {CAIP2: "eip155:1", USDCContract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
}

// NormalizeNetwork maps a short name to CAIP-2 form and reports whether the
// resulting CAIP-2 id is in the implementation's USDC contract registry
// (spec §4.5 step 5).
func NormalizeNetwork(raw string) (caip2 string, info NetworkInfo, ok bool) {
	raw = strings.TrimSpace(raw)
	caip2 = raw
	if alias, found := shortNameAliases[strings.ToLower(raw)]; found {
		caip2 = alias
	}
	info, ok = registry[caip2]
	return caip2, info, ok
}
