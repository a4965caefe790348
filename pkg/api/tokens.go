package api

import (
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/gateway"
)

// maxTTLSeconds is the largest ttl_seconds that fits a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

type issueRequest struct {
	ArtifactType  string     `json:"artifact_type"`
	ArtifactID    string     `json:"artifact_id"`
	Level         levelParam `json:"level"`
	Scope         []string   `json:"scope"`
	BundleVersion string     `json:"bundle_version"`
	IssuerID      string     `json:"issuer_id"`
	HolderID      string     `json:"holder_id"`
	TTLSeconds    int64      `json:"ttl_seconds"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TTLSeconds < 0 {
		WriteServiceError(w, r, contracts.Errorf(contracts.KindValidation, "ttl_seconds must not be negative"))
		return
	}
	if req.TTLSeconds > maxTTLSeconds {
		WriteServiceError(w, r, contracts.Errorf(contracts.KindValidation, "ttl_seconds %d out of range", req.TTLSeconds))
		return
	}
	out, err := s.tokens.Issue(r.Context(), gateway.IssueRequest{
		TenantID:      TenantFrom(r.Context()),
		Artifact:      contracts.ArtifactRef{Type: contracts.ArtifactType(strings.ToUpper(req.ArtifactType)), ID: req.ArtifactID},
		Level:         contracts.Level(req.Level),
		Scope:         req.Scope,
		BundleVersion: req.BundleVersion,
		IssuerID:      req.IssuerID,
		HolderID:      req.HolderID,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.tokens.Get(r.Context(), TenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.tokens.Revoke(r.Context(), r.PathValue("id"), TenantFrom(r.Context()))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type introspectRequest struct {
	Token string `json:"token"`
}

// handleIntrospect always answers 200; an unusable token is {"valid":false}.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	var req introspectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.tokens.Introspect(r.Context(), req.Token))
}

type validateRequest struct {
	Token string     `json:"token"`
	Scope string     `json:"scope"`
	Level levelParam `json:"level"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	allowed := s.tokens.ValidateForAccess(r.Context(), req.Token, req.Scope, contracts.Level(req.Level))
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}
