package api

import (
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
)

type policyRequest struct {
	ArtifactType     string     `json:"artifact_type"`
	Level            levelParam `json:"level"`
	MinReviewers     int        `json:"min_reviewers"`
	RequiredFacets   []string   `json:"required_facets"`
	ExternalRequired bool       `json:"external_required"`
	Description      string     `json:"description"`
	IsActive         *bool      `json:"is_active"`
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.approvals.Policies(r.Context(), TenantFrom(r.Context()))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": nonNil(policies)})
}

func (s *Server) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	facets := make([]contracts.Facet, 0, len(req.RequiredFacets))
	for _, raw := range req.RequiredFacets {
		f, err := contracts.ParseFacet(raw)
		if err != nil {
			WriteServiceError(w, r, err)
			return
		}
		facets = append(facets, f)
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	p, err := s.approvals.UpsertPolicy(r.Context(), contracts.AssurancePolicy{
		TenantID:         TenantFrom(r.Context()),
		ArtifactType:     contracts.ArtifactType(strings.ToUpper(req.ArtifactType)),
		Level:            contracts.Level(req.Level),
		MinReviewers:     req.MinReviewers,
		RequiredFacets:   facets,
		ExternalRequired: req.ExternalRequired,
		Description:      req.Description,
		IsActive:         active,
	})
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type submitRequest struct {
	ArtifactType string     `json:"artifact_type"`
	ArtifactID   string     `json:"artifact_id"`
	Level        levelParam `json:"level"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref := contracts.ArtifactRef{Type: contracts.ArtifactType(strings.ToUpper(req.ArtifactType)), ID: req.ArtifactID}
	sub, err := s.approvals.SubmitForApproval(r.Context(), TenantFrom(r.Context()), ref, contracts.Level(req.Level))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

type reviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Decision   string `json:"decision"`
	Comment    string `json:"comment"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	taskID := r.PathValue("taskID")
	task, err := s.approvals.Task(r.Context(), taskID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	// Another tenant's task is indistinguishable from a missing one.
	if task.TenantID != TenantFrom(r.Context()) {
		WriteServiceError(w, r, contracts.Errorf(contracts.KindTaskNotFound, "task %s not found", taskID))
		return
	}
	decision := contracts.Decision(strings.ToLower(strings.TrimSpace(req.Decision)))
	res, err := s.approvals.SubmitReview(r.Context(), taskID, req.ReviewerID, decision, req.Comment)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.approvals.PendingApprovals(r.Context(), TenantFrom(r.Context()))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

func (s *Server) handleResolution(w http.ResponseWriter, r *http.Request) {
	ref := artifactFromPath(r)
	if err := ref.Validate(); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	res, err := s.approvals.Resolution(r.Context(), TenantFrom(r.Context()), ref)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	ref := artifactFromPath(r)
	if err := ref.Validate(); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	tasks, err := s.approvals.Tasks(r.Context(), TenantFrom(r.Context()), ref)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	ref := artifactFromPath(r)
	res, err := s.approvals.ResolveApprovals(r.Context(), TenantFrom(r.Context()), ref)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
