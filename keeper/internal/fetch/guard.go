package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	// ErrUnsafeScheme is returned for anything but http and https.
	ErrUnsafeScheme = errors.New("fetch: only http and https URLs are allowed")
	// ErrBlocked is returned when a URL targets a private or loopback address.
	ErrBlocked = errors.New("fetch: URL targets a private or loopback address")
)

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
}

func privateAddr(a netip.Addr) bool {
	a = a.Unmap()
	if a.IsLoopback() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsUnspecified() {
		return true
	}
	for _, p := range privateRanges {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// ValidateURL rejects non-HTTP schemes and hosts that are, or resolve to,
// private addresses. A DNS failure is let through; the dial will fail anyway.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("fetch: invalid URL: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("fetch: URL %q has no host", raw)
	}
	if strings.EqualFold(host, "localhost") {
		return ErrBlocked
	}
	if a, err := netip.ParseAddr(host); err == nil {
		if privateAddr(a) {
			return ErrBlocked
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, s := range addrs {
		if a, err := netip.ParseAddr(s); err == nil && privateAddr(a) {
			return ErrBlocked
		}
	}
	return nil
}

// NormalizeURL canonicalizes a URL for deduplication: lowercase scheme and
// host, no fragment, no default port, "/" for an empty path. Relative
// references are resolved against base when base is non-nil.
func NormalizeURL(raw string, base *url.URL) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("fetch: invalid URL %q: %w", raw, err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q", ErrUnsafeScheme, raw)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("fetch: URL %q has no host", raw)
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	u.Fragment, u.RawFragment = "", ""
	u.User = nil
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
