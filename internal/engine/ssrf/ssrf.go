// Package ssrf implements the outbound-URL safety policy (C4) that guards
// every tool_call and 402 handshake request: deny-list, optional
// allow-list, and DNS-resolution re-check. New to this domain; grounded
// stylistically on infrastructure/security's regex/table-driven approach
// and infrastructure/httputil's safe-transport construction idiom.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Result is the outcome of a Validate call.
type Result struct {
	Valid  bool
	Reason string
}

// deniedHostnames is the fixed deny-list of cloud metadata / loopback
// hostnames (spec §4.4 step 2).
var deniedHostnames = map[string]bool{
	"169.254.169.254":         true,
	"metadata.google.internal": true,
	"metadata":                true,
	"localhost":               true,
}

// Resolver abstracts DNS resolution so tests can inject deterministic
// results without touching the network.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Policy evaluates outbound URLs against the deny-list/allow-list/DNS rules.
type Policy struct {
	Resolver Resolver
}

// New constructs a Policy using net.DefaultResolver for DNS lookups.
func New() *Policy {
	return &Policy{Resolver: net.DefaultResolver}
}

// Validate implements spec §4.4's five-step algorithm.
func (p *Policy) Validate(ctx context.Context, rawURL string, allowlist []string) Result {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{Valid: false, Reason: "invalid_url"}
	}

	// 1. HTTPS only.
	if !strings.EqualFold(u.Scheme, "https") {
		return Result{Valid: false, Reason: "non_https"}
	}

	host := u.Hostname()
	if host == "" {
		return Result{Valid: false, Reason: "invalid_url"}
	}

	// 2. Fixed deny-list.
	if deniedHostnames[strings.ToLower(host)] {
		return Result{Valid: false, Reason: "denied_hostname"}
	}

	// 3. Numeric IP literal: reject blocked ranges directly.
	if ip := net.ParseIP(host); ip != nil {
		if blocked, reason := isBlockedIP(ip); blocked {
			return Result{Valid: false, Reason: reason}
		}
	}

	// 4. Allow-list (if configured, hostname must equal or be a dot-suffix
	// of an entry).
	if len(allowlist) > 0 && !hostAllowed(host, allowlist) {
		return Result{Valid: false, Reason: "not_in_allowlist"}
	}

	// 5. Resolve A/AAAA; reject if any resolved address is blocked. If
	// every resolution fails with a lookup error, accept (tolerates
	// CDN/dynamic DNS per spec).
	if p.Resolver != nil {
		addrs, err := p.Resolver.LookupIPAddr(ctx, host)
		if err == nil {
			for _, a := range addrs {
				if blocked, reason := isBlockedIP(a.IP); blocked {
					return Result{Valid: false, Reason: reason}
				}
			}
		}
	}

	return Result{Valid: true}
}

func hostAllowed(host string, allowlist []string) bool {
	host = strings.ToLower(host)
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// blockedCIDRs is the explicit set named in spec §4.4 step 3 and the
// Glossary: RFC 1918, loopback, link-local, multicast, reserved,
// documentation, CGNAT (IPv4) plus ULA/link-local/loopback/multicast/
// documentation (IPv6).
var blockedCIDRs = mustParseCIDRs([]string{
	// IPv4
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"169.254.0.0/16", // link-local
	"100.64.0.0/10",  // CGNAT
	"224.0.0.0/4",    // multicast
	"240.0.0.0/4",    // reserved
	"192.0.2.0/24",   // documentation (TEST-NET-1)
	"198.51.100.0/24", // documentation (TEST-NET-2)
	"203.0.113.0/24", // documentation (TEST-NET-3)
	"0.0.0.0/8",      // "this" network
	// IPv6
	"::1/128",    // loopback
	"fc00::/7",   // ULA
	"fe80::/10",  // link-local
	"ff00::/8",   // multicast
	"2001:db8::/32", // documentation
})

func mustParseCIDRs(raw []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(raw))
	for _, c := range raw {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("ssrf: invalid CIDR literal %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

func isBlockedIP(ip net.IP) (bool, string) {
	if ip == nil {
		return true, "invalid_ip"
	}
	for _, n := range blockedCIDRs {
		if n.Contains(ip) {
			return true, "blocked_range"
		}
	}
	return false, ""
}
