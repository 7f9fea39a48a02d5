package util

import (
	"fmt"
	"net"
	"strings"
)

// IsIPInTrustedCIDRs reports whether ip falls within any of trustedCIDRs.
// Used by the connection admission limiter to exempt trusted networks
// (e.g. an operator's own subnet) from per-source rate limiting.
func IsIPInTrustedCIDRs(ip net.IP, trustedCIDRs []*net.IPNet) bool {
	for _, cidr := range trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseTrustedCIDRs parses a list of CIDR strings, skipping blanks.
func ParseTrustedCIDRs(cidrStrings []string) ([]*net.IPNet, error) {
	if len(cidrStrings) == 0 {
		return nil, nil
	}

	var cidrs []*net.IPNet
	for _, cidrStr := range cidrStrings {
		cidrStr = strings.TrimSpace(cidrStr)
		if cidrStr == "" {
			continue
		}

		_, network, err := net.ParseCIDR(cidrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidrStr, err)
		}
		cidrs = append(cidrs, network)
	}

	return cidrs, nil
}

// SourceIP extracts the bare IP from a dialed or accepted net.Addr, stripping
// the port the way a "host:port" RemoteAddr always carries.
func SourceIP(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.ParseIP(addr.String())
	}
	return net.ParseIP(host)
}
