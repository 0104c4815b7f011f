package manager

import (
	"net"
	"strings"
)

// NormalizeHostFull returns a normalized representation of a hostname suitable
// for comparison and for use in session keys and credential scopes. It is not
// a DNS lookup.
//
// Normalization rules:
// - trim spaces
// - lower-case
// - remove a trailing dot (FQDN form)
// - strip surrounding brackets for IPv6 literals like "[2001:db8::1]"
func NormalizeHostFull(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.TrimSuffix(s, ".")
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSpace(s)
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return strings.ToLower(s)
}

// hostForDestination renders a host for an ssh destination argument.
// IPv6 literals do not need brackets there since the port travels via -p.
func hostForDestination(host string) string {
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}
