// Package webhook sends agent requests to external HTTP workers and
// normalizes their replies. It also guards every outbound URL against SSRF.
package webhook

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// InternalScheme marks in-process agents; URLs with this scheme bypass the
// SSRF checks because no network call is made.
const InternalScheme = "internal://"

// ValidationError is a security veto on an outbound webhook URL. It must be
// surfaced as a failed operation, never silently skipped.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid webhook URL %s: %s", e.URL, e.Reason)
}

func reject(rawURL, reason string) error {
	return &ValidationError{URL: rawURL, Reason: reason}
}

// Ports loopback targets may use in permissive (development) mode. Covers
// the usual local n8n/dev-server ports; everything else on loopback is
// rejected even in development.
var devLoopbackPorts = map[string]bool{
	"5678": true,
	"8000": true,
	"8080": true,
	"3000": true,
}

// Hostname substrings rejected outright in strict mode.
var localhostMarkers = []string{
	"localhost", "127.0.0.1", "0.0.0.0", "::1",
	"local", "internal", "private",
}

// Domain patterns rejected in strict mode: internal TLDs and cloud
// metadata endpoints.
var suspiciousDomainMarkers = []string{
	".local", ".internal", ".private", ".corp", ".lan",
	"metadata", "instance-data", "user-data",
}

// ValidateURL checks an outbound webhook URL against the SSRF policy.
// In strict (production) mode only public https targets pass; in permissive
// (development) mode loopback is additionally allowed on a small port
// allow-list. Returns a *ValidationError describing the first rule violated.
func ValidateURL(rawURL string, strict bool) error {
	if strings.HasPrefix(rawURL, InternalScheme) {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return reject(rawURL, "unparseable URL")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return reject(rawURL, "only HTTP/HTTPS URLs are allowed")
	}
	if strict && parsed.Scheme != "https" {
		return reject(rawURL, "only HTTPS URLs allowed in production")
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return reject(rawURL, "invalid hostname in URL")
	}
	lowerHost := strings.ToLower(hostname)

	if strict {
		for _, marker := range localhostMarkers {
			if strings.Contains(lowerHost, marker) {
				return reject(rawURL, "localhost/internal addresses not allowed in production")
			}
		}
	}

	// Development: loopback hosts pass only on allow-listed ports.
	if !strict && (lowerHost == "localhost" || lowerHost == "127.0.0.1") {
		if devLoopbackPorts[parsed.Port()] {
			return nil
		}
		return reject(rawURL, "loopback only allowed on development ports 5678, 8000, 8080, 3000")
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if err := validateIP(rawURL, ip, parsed.Port(), strict); err != nil {
			return err
		}
	} else if strict {
		for _, marker := range suspiciousDomainMarkers {
			if strings.Contains(lowerHost, marker) {
				return reject(rawURL, "suspicious domain pattern detected: "+hostname)
			}
		}
	}

	return nil
}

func validateIP(rawURL string, ip net.IP, port string, strict bool) error {
	loopback := ip.IsLoopback()
	internal := ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() ||
		isReserved(ip)

	if strict {
		if loopback || internal {
			return reject(rawURL, "internal/private IP addresses not allowed in production")
		}
		return nil
	}

	// Permissive mode: loopback falls under the dev port allow-list, every
	// other internal class stays blocked.
	if loopback {
		if devLoopbackPorts[port] {
			return nil
		}
		return reject(rawURL, "loopback IP only allowed on development ports 5678, 8000, 8080, 3000")
	}
	if internal {
		return reject(rawURL, "internal/private IP addresses not allowed")
	}
	return nil
}

// isReserved reports whether ip falls in an IETF reserved range that the
// net package's class helpers do not cover (0.0.0.0/8, 192.0.0.0/24,
// 240.0.0.0/4, and the IPv6 documentation prefix).
func isReserved(ip net.IP) bool {
	for _, cidr := range reservedRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

var reservedRanges = mustParseCIDRs(
	"0.0.0.0/8",
	"192.0.0.0/24",
	"198.18.0.0/15",
	"240.0.0.0/4",
	"2001:db8::/32",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("webhook: bad reserved CIDR " + cidr + ": " + err.Error())
		}
		nets = append(nets, ipNet)
	}
	return nets
}
