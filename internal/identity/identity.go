// Package identity derives stable caller identifiers for rate limiting and
// models the voter identity used for vote deduplication.
package identity

import (
	"fmt"
	"net/http"
	"strings"
)

// UnknownClient is returned when no address header identifies the caller.
const UnknownClient = "unknown"

// ClientIdentifier derives a rate-limit subject from proxy headers: the first
// entry of X-Forwarded-For, then X-Real-IP, then UnknownClient. The headers
// are client-supplied and are trusted without verification; spoofing them
// evades per-IP limits. That trade-off is accepted here, not solved.
func ClientIdentifier(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return UnknownClient
}

// Kind discriminates the two identity variants.
type Kind int

const (
	// KindAuthenticated identifies a signed-in user by user ID.
	KindAuthenticated Kind = iota + 1
	// KindAnonymous identifies an anonymous caller by device fingerprint.
	KindAnonymous
)

// Identity is either an authenticated user or an anonymous device; the
// constructors guarantee exactly one variant is populated.
type Identity struct {
	kind  Kind
	value string
}

// Authenticated builds an identity for a signed-in user.
func Authenticated(userID string) (Identity, error) {
	if userID == "" {
		return Identity{}, fmt.Errorf("identity: user ID is required")
	}
	return Identity{kind: KindAuthenticated, value: userID}, nil
}

// Anonymous builds an identity for an anonymous device fingerprint.
func Anonymous(deviceHash string) (Identity, error) {
	if deviceHash == "" {
		return Identity{}, fmt.Errorf("identity: device hash is required")
	}
	return Identity{kind: KindAnonymous, value: deviceHash}, nil
}

// Kind reports which variant this identity is.
func (id Identity) Kind() Kind { return id.kind }

// IsZero reports whether the identity was never constructed.
func (id Identity) IsZero() bool { return id.kind == 0 }

// UserID returns the user ID when the identity is authenticated.
func (id Identity) UserID() (string, bool) {
	if id.kind != KindAuthenticated {
		return "", false
	}
	return id.value, true
}

// DeviceHash returns the fingerprint when the identity is anonymous.
func (id Identity) DeviceHash() (string, bool) {
	if id.kind != KindAnonymous {
		return "", false
	}
	return id.value, true
}

// Key returns the namespaced deduplication key component for this identity.
func (id Identity) Key() string {
	switch id.kind {
	case KindAuthenticated:
		return "user:" + id.value
	case KindAnonymous:
		return "device:" + id.value
	default:
		return ""
	}
}
