package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// blockedPrefixes are special-use ranges that must never receive webhook
// traffic: private, loopback, link-local, documentation, benchmarking,
// multicast, reserved and the IPv6 prefixes that embed IPv4.
var blockedPrefixes = func() []netip.Prefix {
	var out []netip.Prefix
	for _, p := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"224.0.0.0/4", "240.0.0.0/4",
		"::1/128", "fc00::/7", "fe80::/10", "2001:db8::/32", "2001::/32",
		"2002::/16", "64:ff9b::/96", "ff00::/8",
	} {
		out = append(out, netip.MustParsePrefix(p))
	}
	return out
}()

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// validateWebhookURL rejects non-HTTP schemes, numeric host encodings that
// some stacks read as IPs, and literal IPs in blocked ranges. Hostnames are
// checked again after resolution in safeDialContext.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("webhook URL must use http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("webhook URL has no host")
	}
	if encodedIP(host) {
		return errors.New("webhook URL contains alternative IP encoding")
	}
	if addr, err := netip.ParseAddr(host); err == nil && isBlockedAddr(addr) {
		return fmt.Errorf("webhook host %s is in a blocked range", host)
	}
	return nil
}

// encodedIP spots hex (0x7f000001), dotted hex or octal (0177.0.0.1) and
// packed decimal (2130706433) hosts.
func encodedIP(host string) bool {
	lower := strings.ToLower(host)
	if strings.HasPrefix(lower, "0x") || digitsOnly(host) {
		return true
	}
	parts := strings.Split(lower, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if strings.HasPrefix(p, "0x") || (len(p) > 1 && p[0] == '0' && digitsOnly(p)) {
			return true
		}
	}
	return false
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// safeDialContext resolves the host itself and dials the vetted address,
// so a rebinding DNS answer cannot redirect the connection.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	for _, ip := range ips {
		if isBlockedAddr(ip) {
			return nil, fmt.Errorf("blocked: %s resolves to %s", host, ip)
		}
	}
	d := &net.Dialer{Timeout: 5 * time.Second}
	return d.DialContext(ctx, network, net.JoinHostPort(ips[0].Unmap().String(), port))
}
