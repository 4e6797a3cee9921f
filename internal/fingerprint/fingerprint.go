// Package fingerprint derives an opaque device identity from client signals.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Length is the number of hex characters in a fingerprint.
const Length = 32

const delimiter = "|"

// Compute hashes the user agent, IP address and accept-language into a
// fixed-length hex string. Missing values are treated as empty strings.
func Compute(userAgent, ipAddress, acceptLanguage string) string {
	raw := strings.Join([]string{userAgent, ipAddress, acceptLanguage}, delimiter)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:Length]
}
