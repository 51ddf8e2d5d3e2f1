// Package netutil holds small host-normalization helpers used by the
// settings snapshot's host allowlist checks.
package netutil

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// EffectiveDomain extracts the effective top-level-domain-plus-one (eTLD+1)
// from a bare hostname. IP addresses, "localhost", and bare TLDs fall back
// to the host unchanged, since publicsuffix.EffectiveTLDPlusOne errors on
// those.
//
// Examples:
//
//	"ads.mozilla.com"  -> "mozilla.com"
//	"cdn.ads.example.co.uk" -> "example.co.uk"
//	"192.168.1.1"      -> "192.168.1.1"
func EffectiveDomain(host string) string {
	host = strings.ToLower(host)
	if net.ParseIP(host) != nil {
		return host
	}
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}
