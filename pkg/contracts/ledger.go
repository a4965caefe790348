package contracts

import (
	"encoding/json"
	"time"
)

// Ledger actions.
const (
	ActionApprovalSubmitted = "APPROVAL_SUBMITTED"
	ActionReviewSubmitted   = "REVIEW_SUBMITTED"
	ActionApprovalResolved  = "APPROVAL_RESOLVED"
	ActionPolicyUpdated     = "LOA_POLICY_UPDATED"
	ActionBundleCompiled    = "BUNDLE_COMPILED"
	ActionBundlePublished   = "BUNDLE_PUBLISHED"
	ActionBundleActivated   = "BUNDLE_ACTIVATED"
	ActionBundleRevoked     = "BUNDLE_REVOKED"
	ActionTokenIssued       = "TOKEN_ISSUED"
	ActionTokenRevoked      = "TOKEN_REVOKED"
)

// Ledger subjects that are not governed artifacts themselves.
const (
	SubjectPolicyBundle    = "POLICY_BUNDLE"
	SubjectGatewayToken    = "GATEWAY_TOKEN"
	SubjectAssurancePolicy = "LOA_POLICY"
)

// GenesisHash is the PrevHash of the first event in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// LedgerEvent is an immutable, hash-linked record of a governance action.
type LedgerEvent struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Seq          int64           `json:"seq"`
	ArtifactType string          `json:"artifact_type"`
	ArtifactID   string          `json:"artifact_id"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	ContentHash  string          `json:"content_hash"`
	PrevHash     string          `json:"prev_hash"`
	ChainHash    string          `json:"chain_hash"`
	BatchID      string          `json:"batch_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// LedgerBatch commits a contiguous range of a tenant's chain to a Merkle root.
type LedgerBatch struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	FromSeq    int64     `json:"from_seq"`
	ToSeq      int64     `json:"to_seq"`
	EventCount int       `json:"event_count"`
	MerkleRoot string    `json:"merkle_root"`
	AnchorRef  string    `json:"anchor_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
