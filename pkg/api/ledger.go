package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/trustledger"
)

const maxEventPage = 1000

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	if limit == 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	q := r.URL.Query()
	events, err := s.ledger.Events(r.Context(), TenantFrom(r.Context()), trustledger.Filter{
		ArtifactType: q.Get("artifact_type"),
		ArtifactID:   q.Get("artifact_id"),
		Action:       q.Get("action"),
		Limit:        limit,
	})
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

// handleVerifyChain reports a broken chain in the body rather than as an
// error status; the report is the answer.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.VerifyChain(r.Context(), TenantFrom(r.Context()))
	if err != nil && !errors.Is(err, contracts.ErrChainIntegrityViolation) {
		WriteServiceError(w, r, err)
		return
	}
	if err != nil {
		s.logger.Warn("ledger chain broken", "tenant_id", report.TenantID, "seq", report.BrokenAt, "reason", report.Reason)
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.ledger.Batches(r.Context(), TenantFrom(r.Context()))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": nonNil(batches)})
}

type batchRequest struct {
	FromSeq int64 `json:"from_seq"`
	ToSeq   int64 `json:"to_seq"`
}

// handleBatch seals an explicit range, or everything pending when the body
// is empty or names no range.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	tenant := TenantFrom(r.Context())
	if req.FromSeq == 0 && req.ToSeq == 0 {
		batch, err := s.ledger.BatchPending(r.Context(), tenant)
		if err != nil {
			WriteServiceError(w, r, err)
			return
		}
		if batch == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusCreated, batch)
		return
	}
	batch, err := s.ledger.Batch(r.Context(), tenant, req.FromSeq, req.ToSeq)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil || seq < 1 {
		WriteBadRequest(w, r, "seq must be a positive integer")
		return
	}
	proof, err := s.ledger.Proof(r.Context(), TenantFrom(r.Context()), seq)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}
