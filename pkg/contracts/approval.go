package contracts

import "time"

// Decision is a reviewer's verdict on one facet.
type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionAbstain Decision = "abstain"
)

// Reviewable reports whether a reviewer may submit d.
func (d Decision) Reviewable() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionAbstain
}

// ApprovalStatus is the resolved state of an artifact.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// AssurancePolicy (LoA policy) states which facets must approve an artifact
// type before it is trusted at a level. Keyed by (tenant, type, level).
type AssurancePolicy struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	ArtifactType     ArtifactType `json:"artifact_type"`
	Level            Level        `json:"level"`
	MinReviewers     int          `json:"min_reviewers"`
	RequiredFacets   []Facet      `json:"required_facets"`
	ExternalRequired bool         `json:"external_required"`
	Description      string       `json:"description,omitempty"`
	IsActive         bool         `json:"is_active"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Validate checks caller-supplied policy fields.
func (p AssurancePolicy) Validate() error {
	if p.TenantID == "" {
		return Errorf(KindValidation, "tenant id is required")
	}
	if !p.ArtifactType.Valid() {
		return Errorf(KindValidation, "unknown artifact type %q", p.ArtifactType)
	}
	if !p.Level.Valid() {
		return Errorf(KindValidation, "assurance level %d out of range", int(p.Level))
	}
	if p.MinReviewers < 0 {
		return Errorf(KindValidation, "min reviewers must not be negative")
	}
	if len(p.RequiredFacets) == 0 {
		return Errorf(KindValidation, "at least one required facet is needed")
	}
	for _, f := range p.RequiredFacets {
		if !f.Valid() {
			return Errorf(KindValidation, "unknown facet %q", f)
		}
	}
	return nil
}

// ApprovalTask is one facet's review slot for one submission of an artifact.
type ApprovalTask struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenant_id"`
	SubmissionID string      `json:"submission_id"`
	Artifact     ArtifactRef `json:"artifact"`
	Level        Level       `json:"level"`
	Facet        Facet       `json:"facet"`
	ReviewerID   string      `json:"reviewer_id,omitempty"`
	Decision     Decision    `json:"decision"`
	Comment      string      `json:"comment,omitempty"`
	DecidedAt    *time.Time  `json:"decided_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Submission is returned when an artifact enters review.
type Submission struct {
	SubmissionID   string         `json:"submission_id"`
	Artifact       ArtifactRef    `json:"artifact"`
	Level          Level          `json:"level"`
	Status         ApprovalStatus `json:"status"`
	RequiredFacets []Facet        `json:"required_facets"`
	Tasks          []ApprovalTask `json:"tasks"`
}

// ApprovalResolution is derived from the current task rows; it is never the
// source of truth on its own.
type ApprovalResolution struct {
	Status            ApprovalStatus `json:"status"`
	Artifact          ArtifactRef    `json:"artifact"`
	Level             Level          `json:"level"`
	RequiredFacets    []Facet        `json:"required_facets"`
	ApprovedFacets    []Facet        `json:"approved_facets"`
	RejectedFacets    []Facet        `json:"rejected_facets"`
	AbstainedFacets   []Facet        `json:"abstained_facets"`
	PendingFacets     []Facet        `json:"pending_facets"`
	MissingFacets     []Facet        `json:"missing_facets"`
	Reviewers         int            `json:"reviewers"`
	RequiredReviewers int            `json:"required_reviewers"`
}
