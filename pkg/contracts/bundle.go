package contracts

import "time"

// BundleStatus is the lifecycle state of a PolicyBundle.
type BundleStatus string

const (
	BundleDraft     BundleStatus = "DRAFT"
	BundlePublished BundleStatus = "PUBLISHED"
	BundleActive    BundleStatus = "ACTIVE"
	BundleRevoked   BundleStatus = "REVOKED"
)

// CanTransitionTo encodes DRAFT -> PUBLISHED -> ACTIVE, with REVOKED reachable
// from every non-revoked state. REVOKED is terminal.
func (s BundleStatus) CanTransitionTo(next BundleStatus) bool {
	switch next {
	case BundlePublished:
		return s == BundleDraft
	case BundleActive:
		return s == BundlePublished
	case BundleRevoked:
		return s == BundleDraft || s == BundlePublished || s == BundleActive
	}
	return false
}

// BundleMetadata snapshots the compile inputs.
type BundleMetadata struct {
	Artifacts  []ArtifactRef `json:"artifacts"`
	Policies   []string      `json:"policies"`
	Controls   []string      `json:"controls"`
	CompiledAt time.Time     `json:"compiled_at"`
	Compiler   string        `json:"compiler"`
}

// PolicyBundle is a versioned, hashed and signed snapshot of approved
// artifacts, policies and controls. At most one per tenant is ACTIVE.
type PolicyBundle struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Version     string         `json:"version"`
	Status      BundleStatus   `json:"status"`
	ContentHash string         `json:"content_hash"`
	ByteSize    int64          `json:"byte_size"`
	StorageURL  string         `json:"storage_url,omitempty"`
	SignerID    string         `json:"signer_id,omitempty"`
	Signature   string         `json:"signature,omitempty"`
	Metadata    BundleMetadata `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
	RevokedAt   *time.Time     `json:"revoked_at,omitempty"`
}
