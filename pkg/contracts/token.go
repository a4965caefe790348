package contracts

import "time"

// GatewayToken is the server-side record of an issued capability token. It
// mirrors every signed claim so authorization reads never trust the payload.
type GatewayToken struct {
	TokenID       string      `json:"token_id"`
	TenantID      string      `json:"tenant_id"`
	Artifact      ArtifactRef `json:"artifact"`
	Level         Level       `json:"level"`
	Scope         []string    `json:"scope"`
	BundleVersion string      `json:"bundle_version,omitempty"`
	IssuedAt      time.Time   `json:"issued_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	IssuerID      string      `json:"issuer_id"`
	HolderID      string      `json:"holder_id,omitempty"`
	RevokedAt     *time.Time  `json:"revoked_at,omitempty"`
}

// Revoked reports whether the token has been revoked.
func (t GatewayToken) Revoked() bool { return t.RevokedAt != nil }

// IssuedToken is handed back to the caller of Issue.
type IssuedToken struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Introspection is the non-failing answer to "is this token usable?".
// The zero value is an invalid token.
type Introspection struct {
	Valid         bool        `json:"valid"`
	Revoked       bool        `json:"revoked"`
	TokenID       string      `json:"token_id"`
	TenantID      string      `json:"tenant_id"`
	Artifact      ArtifactRef `json:"artifact"`
	Level         Level       `json:"level"`
	Scope         []string    `json:"scope"`
	BundleVersion string      `json:"bundle_version,omitempty"`
	IssuedAt      time.Time   `json:"issued_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	Issuer        string      `json:"issuer"`
	Holder        string      `json:"holder,omitempty"`
}

// HasScope reports whether scope is granted.
func (i Introspection) HasScope(scope string) bool {
	for _, s := range i.Scope {
		if s == scope {
			return true
		}
	}
	return false
}
