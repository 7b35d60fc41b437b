package transfer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var documentationRanges = []*net.IPNet{
	mustCIDR("192.0.2.0/24"),
	mustCIDR("198.51.100.0/24"),
	mustCIDR("203.0.113.0/24"),
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// isBlockedIP reports whether ip targets an address class a server-side
// URL fetch must never be allowed to reach: loopback, RFC1918 private,
// link-local (including the cloud metadata address 169.254.169.254),
// documentation ranges, broadcast, unspecified, or (for IPv6) unique-local
// and link-local. An IPv4-mapped IPv6 address is unwrapped and tested
// against the IPv4 rules.
func isBlockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return true
	}
	if ip.Equal(net.IPv4bcast) {
		return true
	}
	for _, r := range documentationRanges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostLiteral(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	return h == "localhost" || h == "localhost.localdomain"
}

// ValidateURLTarget checks that rawURL uses http/https and that every
// address the hostname resolves to is reachable by a server-side fetch,
// i.e. none of them are internal/private/metadata addresses. It must be
// called twice per request: once before dialing, and again against the
// final URL after following redirects, since a redirect can repoint an
// initially-safe hostname at an internal address.
func ValidateURLTarget(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme %q: only http/https allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("URL has no host")
	}
	if isBlockedHostLiteral(host) {
		return nil, fmt.Errorf("internal IP: %s resolves to loopback", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("internal IP: %s is not a routable external address", host)
		}
		return u, nil
	}

	var resolver net.Resolver
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve host %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("host %s did not resolve", host)
	}
	for _, a := range addrs {
		if isBlockedIP(a.IP) {
			return nil, fmt.Errorf("internal IP: %s resolves to %s, a non-routable address", host, a.IP)
		}
	}
	return u, nil
}

// guardedRedirectPolicy rejects redirects whose target fails
// ValidateURLTarget, enforcing the guard a second time post-redirect and
// capping the redirect chain at 5 hops.
func guardedRedirectPolicy(ctx context.Context) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return fmt.Errorf("stopped after 5 redirects")
		}
		if _, err := ValidateURLTarget(ctx, req.URL.String()); err != nil {
			return err
		}
		return nil
	}
}
