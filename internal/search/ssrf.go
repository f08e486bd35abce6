package search

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Pre-compiled CIDR networks for private/reserved IP ranges.
var (
	cgnat    *net.IPNet // 100.64.0.0/10 - carrier-grade NAT
	v6unique *net.IPNet // fc00::/7 - IPv6 unique local
	v6link   *net.IPNet // fe80::/10 - IPv6 link-local
)

func init() {
	_, cgnat, _ = net.ParseCIDR("100.64.0.0/10")
	_, v6unique, _ = net.ParseCIDR("fc00::/7")
	_, v6link, _ = net.ParseCIDR("fe80::/10")
}

// ValidateURL rejects URLs that could be used to reach internal services.
// Only http and https schemes are allowed; localhost variants, .local and
// .internal domains, and private IP literals are blocked.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("url has no host")
	}

	switch host {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return fmt.Errorf("localhost is not allowed")
	}

	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("local domain %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("private address %q is not allowed", host)
	}

	return nil
}

// IsPrivateIP reports whether ip falls in a private or reserved range.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	if cgnat != nil && cgnat.Contains(ip) {
		return true
	}
	if v6unique != nil && v6unique.Contains(ip) {
		return true
	}
	if v6link != nil && v6link.Contains(ip) {
		return true
	}

	return false
}
