package knowledge

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedURL is returned for URLs the fetcher refuses to visit.
var ErrBlockedURL = errors.New("url not allowed")

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("fc00::/7"),      // IPv6 unique local
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("0.0.0.0/8"),
}

// checkURL accepts only https URLs that do not name a local host.
func checkURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: only https is allowed", ErrBlockedURL)
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "":
		return nil, fmt.Errorf("%w: missing host", ErrBlockedURL)
	case host == "localhost", strings.HasSuffix(host, ".localhost"):
		return nil, fmt.Errorf("%w: localhost", ErrBlockedURL)
	case strings.HasSuffix(host, ".local"), strings.HasSuffix(host, ".internal"):
		return nil, fmt.Errorf("%w: local domain", ErrBlockedURL)
	}
	if addr, err := netip.ParseAddr(host); err == nil && isPrivate(addr) {
		return nil, fmt.Errorf("%w: private address %s", ErrBlockedURL, addr)
	}
	return u, nil
}

// isPrivate reports loopback, private and reserved addresses, including
// IPv4-mapped IPv6 forms.
func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
