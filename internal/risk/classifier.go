package risk

import (
	"context"
	"net"
	"strings"
)

// IPReputationClassifier decides whether an IP address looks like VPN or
// proxy egress. Implementations backed by a real IP-intelligence provider
// can be plugged in with WithClassifier.
type IPReputationClassifier interface {
	Name() string
	IsAnonymized(ctx context.Context, ip string) (bool, error)
}

// cgnat is the shared address space of RFC 6598, which net.IP does not
// treat as private.
var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// PrivateRangeClassifier is the built-in heuristic: private, loopback,
// link-local, unspecified and shared (CGNAT) addresses are reported.
// It is an approximation and misses commercial VPN egress entirely.
type PrivateRangeClassifier struct{}

// Name identifies the classifier in flag evidence.
func (PrivateRangeClassifier) Name() string { return "private-range" }

// IsAnonymized reports whether ip falls in a private or reserved range.
// Unparseable input is not reported.
func (PrivateRangeClassifier) IsAnonymized(_ context.Context, ip string) (bool, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false, nil
	}
	return parsed.IsLoopback() ||
		parsed.IsPrivate() ||
		parsed.IsLinkLocalUnicast() ||
		parsed.IsUnspecified() ||
		cgnat.Contains(parsed), nil
}
