package ssrf

import (
	"context"
	"net"
	"testing"
)

type staticResolver struct {
	addrs []net.IPAddr
	err   error
}

func (r staticResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return r.addrs, r.err
}

func TestValidate_RejectsNonHTTPS(t *testing.T) {
	p := &Policy{Resolver: staticResolver{err: errNoLookup}}
	result := p.Validate(context.Background(), "http://example.com/a", nil)
	if result.Valid {
		t.Fatal("expected non-https url to be rejected")
	}
	if result.Reason != "non_https" {
		t.Errorf("expected reason=non_https, got %q", result.Reason)
	}
}

func TestValidate_RejectsDeniedHostname(t *testing.T) {
	p := &Policy{Resolver: staticResolver{err: errNoLookup}}
	result := p.Validate(context.Background(), "https://169.254.169.254/latest/meta-data", nil)
	if result.Valid {
		t.Fatal("expected metadata endpoint IP literal to be rejected")
	}
}

func TestValidate_RejectsBlockedIPLiteral(t *testing.T) {
	p := &Policy{Resolver: staticResolver{err: errNoLookup}}
	for _, host := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.5", "[::1]"} {
		result := p.Validate(context.Background(), "https://"+host+"/x", nil)
		if result.Valid {
			t.Errorf("expected %s to be rejected as a blocked range", host)
		}
	}
}

func TestValidate_AcceptsPublicURLWithNoResolutionConcerns(t *testing.T) {
	p := &Policy{Resolver: staticResolver{
		addrs: []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}},
	}}
	result := p.Validate(context.Background(), "https://example.com/api", nil)
	if !result.Valid {
		t.Fatalf("expected public host to be accepted, got reason %q", result.Reason)
	}
}

func TestValidate_RejectsWhenDNSResolvesToBlockedRange(t *testing.T) {
	p := &Policy{Resolver: staticResolver{
		addrs: []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}},
	}}
	result := p.Validate(context.Background(), "https://sneaky.example.com/api", nil)
	if result.Valid {
		t.Fatal("expected DNS resolution into a blocked range to be rejected")
	}
}

func TestValidate_AcceptsWhenAllLookupsFail(t *testing.T) {
	p := &Policy{Resolver: staticResolver{err: errNoLookup}}
	result := p.Validate(context.Background(), "https://dynamic-cdn.example.com/api", nil)
	if !result.Valid {
		t.Fatalf("expected lookup failure to be tolerated, got reason %q", result.Reason)
	}
}

func TestValidate_AllowlistEnforced(t *testing.T) {
	p := &Policy{Resolver: staticResolver{err: errNoLookup}}

	result := p.Validate(context.Background(), "https://api.allowed.com/x", []string{"allowed.com"})
	if !result.Valid {
		t.Fatalf("expected subdomain of allowlist entry to be accepted, got reason %q", result.Reason)
	}

	result = p.Validate(context.Background(), "https://api.other.com/x", []string{"allowed.com"})
	if result.Valid {
		t.Fatal("expected host outside allowlist to be rejected")
	}
}

var errNoLookup = &net.DNSError{Err: "no such host", IsNotFound: true}
