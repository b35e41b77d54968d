// Package identity derives the stable per-requester key used by the
// penalty engine. The fingerprint combines a caller-supplied user id with
// the originating client address so that neither rotating user ids nor
// rotating IPs alone escape an active penalty.
package identity

import (
	"net"
	"strings"
)

// Header names consulted by FromHeaders.
const (
	UserIDHeader       = "X-User-ID"
	ForwardedForHeader = "X-Forwarded-For"
)

const (
	anonymousUser = "anonymous"
	unknownAddr   = "unknown"
)

// Fingerprint is an opaque identity key of the form "<user>|<ip>".
type Fingerprint string

// Resolve builds a fingerprint from raw signal values. It is a total
// function: every argument may be empty and a non-empty key is still
// returned.
//
// userID is the trimmed X-User-ID header value. forwardedFor is the raw
// X-Forwarded-For chain; the left-most (originating) entry wins. peerAddr is
// the transport-level remote address used as a fallback, with any port
// stripped.
func Resolve(userID, forwardedFor, peerAddr string) Fingerprint {
	user := strings.TrimSpace(userID)
	if user == "" {
		user = anonymousUser
	}

	addr := leftmostForwarded(forwardedFor)
	if addr == "" {
		addr = stripPort(peerAddr)
	}
	if addr == "" {
		addr = unknownAddr
	}

	return Fingerprint(user + "|" + addr)
}

// leftmostForwarded returns the first entry of a comma-separated
// X-Forwarded-For chain, trimmed, or "" when the header is absent.
func leftmostForwarded(chain string) string {
	if chain == "" {
		return ""
	}
	first, _, _ := strings.Cut(chain, ",")
	return strings.TrimSpace(first)
}

// stripPort removes a trailing :port from a transport address. Addresses
// without a port (or unparseable values) are returned trimmed as-is.
func stripPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// User returns the identity segment of the fingerprint.
func (f Fingerprint) User() string {
	user, _, _ := strings.Cut(string(f), "|")
	return user
}

// Addr returns the address segment of the fingerprint.
func (f Fingerprint) Addr() string {
	_, addr, _ := strings.Cut(string(f), "|")
	return addr
}
