package utils

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// NormalizeString trims surrounding whitespace and applies Unicode NFC
func NormalizeString(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// NormalizeHost lowercases a host name and converts IDN labels to their
// ASCII (punycode) form. Hosts that fail IDNA validation are returned
// trimmed and lowercased so the network layer reports the real error.
func NormalizeHost(host string) string {
	host = strings.ToLower(NormalizeString(host))
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}

// NormalizeEmail trims, NFC-normalizes and lowercases the domain part
func NormalizeEmail(addr string) string {
	addr = NormalizeString(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	return addr[:at+1] + NormalizeHost(addr[at+1:])
}

// ParseFlag reads the boolean used by connector forms: exactly "true"
// or "1" is true, everything else is false.
func ParseFlag(v string) bool {
	switch strings.TrimSpace(v) {
	case "true", "1":
		return true
	default:
		return false
	}
}
