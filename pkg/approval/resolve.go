package approval

import (
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
)

// Resolve derives an artifact's approval status from the tasks of its
// latest submission. It has no side effects.
//
// Rejection dominates. Otherwise the artifact is approved once every
// required facet has an approve decision and, when enforceMinReviewers is
// set, at least minReviewers distinct reviewers have decided a facet.
func Resolve(ref contracts.ArtifactRef, level contracts.Level, tasks []contracts.ApprovalTask, minReviewers int, enforceMinReviewers bool) contracts.ApprovalResolution {
	res := contracts.ApprovalResolution{
		Artifact:        ref,
		Level:           level,
		RequiredFacets:  []contracts.Facet{},
		ApprovedFacets:  []contracts.Facet{},
		RejectedFacets:  []contracts.Facet{},
		AbstainedFacets: []contracts.Facet{},
		PendingFacets:   []contracts.Facet{},
		MissingFacets:   []contracts.Facet{},
	}
	if enforceMinReviewers {
		res.RequiredReviewers = minReviewers
	}

	required := make([]contracts.Facet, 0, len(tasks))
	approved := make(map[contracts.Facet]bool, len(tasks))
	reviewers := make(map[string]struct{})
	for _, t := range tasks {
		required = append(required, t.Facet)
		switch t.Decision {
		case contracts.DecisionApprove:
			approved[t.Facet] = true
			res.ApprovedFacets = append(res.ApprovedFacets, t.Facet)
		case contracts.DecisionReject:
			res.RejectedFacets = append(res.RejectedFacets, t.Facet)
		case contracts.DecisionAbstain:
			res.AbstainedFacets = append(res.AbstainedFacets, t.Facet)
		default:
			res.PendingFacets = append(res.PendingFacets, t.Facet)
		}
		if t.Decision != contracts.DecisionPending && t.ReviewerID != "" {
			reviewers[t.ReviewerID] = struct{}{}
		}
	}
	res.RequiredFacets = contracts.FacetSet(required)
	res.ApprovedFacets = contracts.FacetSet(res.ApprovedFacets)
	res.RejectedFacets = contracts.FacetSet(res.RejectedFacets)
	res.AbstainedFacets = contracts.FacetSet(res.AbstainedFacets)
	res.PendingFacets = contracts.FacetSet(res.PendingFacets)
	res.Reviewers = len(reviewers)
	for _, f := range res.RequiredFacets {
		if !approved[f] {
			res.MissingFacets = append(res.MissingFacets, f)
		}
	}

	switch {
	case len(res.RejectedFacets) > 0:
		res.Status = contracts.ApprovalRejected
	case len(res.RequiredFacets) > 0 && len(res.MissingFacets) == 0 && res.Reviewers >= res.RequiredReviewers:
		res.Status = contracts.ApprovalApproved
	default:
		res.Status = contracts.ApprovalPending
	}
	return res
}
