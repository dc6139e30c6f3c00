// Package auth translates inbound credentials into a uniform Principal and
// enforces auth policies on routes. Two credential shapes are accepted on
// every request: a long-lived opaque key in the X-API-Key header, or a bearer
// token in the standard Authorization header.
package auth

import (
	"time"
)

// CredentialKind identifies which credential shape produced a Principal.
type CredentialKind string

const (
	CredentialOpaqueKey   CredentialKind = "opaque_key"
	CredentialBearerToken CredentialKind = "bearer_token"
)

// Principal is the authenticated caller after credential translation.
// SubjectID is the sole tenancy key read by downstream services.
type Principal struct {
	// SubjectID is the stable user subject. Never the credential's own
	// identifier.
	SubjectID string

	CredentialKind CredentialKind

	IssuedAt time.Time
	// ExpiresAt is nil for opaque keys without an expiry.
	ExpiresAt *time.Time

	Scopes []string
}

// HasScope reports whether the principal carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopesHeader renders the scopes for the internal X-Principal-Scopes header.
func (p *Principal) ScopesHeader() string {
	out := ""
	for i, s := range p.Scopes {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
