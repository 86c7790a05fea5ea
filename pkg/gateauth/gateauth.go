// Package gateauth enforces gateway token verification with network-binding
// awareness. Loopback peers skip the token check but never the rate limit;
// private-range bindings require a valid token; binding the wildcard
// address is refused outright in production.
package gateauth

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/ratelimit"
)

// HostClass categorizes a peer or bind address.
type HostClass string

const (
	HostLoopback    HostClass = "loopback"
	HostPrivate     HostClass = "private"
	HostPublic      HostClass = "public"
	HostUnspecified HostClass = "unspecified"
)

// ClassifyHost maps a host literal to its class. Unparseable hosts are
// treated as public: the strictest rules apply.
func ClassifyHost(host string) HostClass {
	h := strings.TrimSpace(host)
	if h == "localhost" {
		return HostLoopback
	}
	addr, err := netip.ParseAddr(strings.Trim(h, "[]"))
	if err != nil {
		return HostPublic
	}
	switch {
	case addr.IsUnspecified():
		return HostUnspecified
	case addr.IsLoopback():
		return HostLoopback
	case isRFC1918(addr):
		return HostPrivate
	default:
		return HostPublic
	}
}

// isRFC1918 reports whether addr falls in 10/8, 172.16/12, or 192.168/16.
// The 172 range covers second octets 16 through 31 only.
func isRFC1918(addr netip.Addr) bool {
	if !addr.Is4() && !addr.Is4In6() {
		return false
	}
	v4 := addr.As4()
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	}
	return false
}

// ValidateBind checks a bind host before the listener opens.
// Wildcard binds are refused in production environments.
func ValidateBind(host, environment string) error {
	if ClassifyHost(host) == HostUnspecified && environment == "production" {
		return fault.New(fault.KindConfigRefused,
			"refusing to bind %s in production; bind a specific interface", host)
	}
	return nil
}

// Verifier authenticates gateway clients.
type Verifier struct {
	token   string
	limiter *ratelimit.Limiter
	tokens  *TokenMinter
	clock   func() time.Time
}

// NewVerifier creates a verifier for the static gateway token.
// token may be empty only when every expected peer is loopback.
func NewVerifier(token string, limiter *ratelimit.Limiter, minter *TokenMinter) *Verifier {
	return &Verifier{token: token, limiter: limiter, tokens: minter, clock: time.Now}
}

// Authenticate verifies one connection attempt from peerHost.
// Rate limiting applies to every attempt, loopback included. On success a
// short-lived session JWT is returned (empty when no minter is configured).
func (v *Verifier) Authenticate(ctx context.Context, clientID, peerHost, presented string) (string, error) {
	decision, err := v.limiter.RecordAttempt(ctx, clientID)
	if err != nil {
		return "", fault.Wrap(fault.KindFatal, err, "rate limiter unavailable")
	}
	if !decision.Allowed {
		return "", fault.New(fault.KindRateLimited, "too many attempts").
			WithRetryAfter(decision.RetryAfter).
			WithDetail("backoff_level", decision.Level)
	}

	class := ClassifyHost(peerHost)
	if class != HostLoopback {
		if v.token == "" {
			return "", fault.New(fault.KindConfigRefused,
				"no gateway token configured; non-loopback peer %s refused", peerHost)
		}
		if !ratelimit.ConstantTimeEqual(presented, v.token) {
			return "", fault.New(fault.KindRateLimited, "invalid gateway token").
				WithDetail("host_class", string(class))
		}
	}

	if v.tokens == nil {
		return "", nil
	}
	return v.tokens.Mint(clientID, "user", nil)
}

// Fingerprint summarizes the verifier config for audit payloads without
// exposing the token.
func (v *Verifier) Fingerprint() string {
	if v.token == "" {
		return "token:unset"
	}
	return fmt.Sprintf("token:len=%d", len(v.token))
}
