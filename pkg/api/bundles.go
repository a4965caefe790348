package api

import (
	"context"
	"net/http"

	"github.com/Mindburn-Labs/trustgate/pkg/bundles"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
)

type compileRequest struct {
	Version   string                  `json:"version"`
	Artifacts []contracts.ArtifactRef `json:"artifacts"`
	Policies  []string                `json:"policies"`
	Controls  []string                `json:"controls"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	b, err := s.bundles.Compile(r.Context(), bundles.CompileRequest{
		TenantID:  TenantFrom(r.Context()),
		Version:   req.Version,
		Artifacts: req.Artifacts,
		Policies:  req.Policies,
		Controls:  req.Controls,
	})
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ownedBundle loads a bundle and hides those of other tenants.
func (s *Server) ownedBundle(ctx context.Context, id string) (contracts.PolicyBundle, error) {
	b, err := s.bundles.Get(ctx, id)
	if err != nil {
		return b, err
	}
	if b.TenantID != TenantFrom(ctx) {
		return contracts.PolicyBundle{}, contracts.Errorf(contracts.KindBundleNotFound, "bundle %s not found", id)
	}
	return b, nil
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	list, err := s.bundles.List(r.Context(), TenantFrom(r.Context()))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundles": nonNil(list)})
}

func (s *Server) handleActiveBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.bundles.Active(r.Context(), TenantFrom(r.Context()))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.ownedBundle(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBundleContent(w http.ResponseWriter, r *http.Request) {
	b, err := s.ownedBundle(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	content, err := s.bundles.Content(r.Context(), b.ID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("ETag", `"`+b.ContentHash+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleVerifyBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.ownedBundle(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	ok, err := s.bundles.VerifySignature(r.Context(), b.ID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundle_id": b.ID, "valid": ok})
}

type publishRequest struct {
	SignerID string `json:"signer_id"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.bundleTransition(w, r, func(ctx context.Context, id string) (contracts.PolicyBundle, error) {
		return s.bundles.Publish(ctx, id, req.SignerID)
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.bundleTransition(w, r, s.bundles.Activate)
}

func (s *Server) handleRevokeBundle(w http.ResponseWriter, r *http.Request) {
	s.bundleTransition(w, r, s.bundles.Revoke)
}

func (s *Server) bundleTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (contracts.PolicyBundle, error)) {
	b, err := s.ownedBundle(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	out, err := op(r.Context(), b.ID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
