package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/trustgate/pkg/approval"
	"github.com/Mindburn-Labs/trustgate/pkg/bundles"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/gateway"
	"github.com/Mindburn-Labs/trustgate/pkg/ratelimit"
	"github.com/Mindburn-Labs/trustgate/pkg/trustledger"
)

const maxBodyBytes = 1 << 20

// Pinger reports backing-store health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the services the API fronts. Limiter may be nil.
type Deps struct {
	Approvals *approval.Engine
	Bundles   *bundles.Service
	Tokens    *gateway.Service
	Ledger    *trustledger.Ledger
	Limiter   ratelimit.Limiter
	Health    Pinger
	Logger    *slog.Logger
}

type Server struct {
	approvals *approval.Engine
	bundles   *bundles.Service
	tokens    *gateway.Service
	ledger    *trustledger.Ledger
	limiter   ratelimit.Limiter
	health    Pinger
	logger    *slog.Logger
	mux       *http.ServeMux
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		approvals: d.Approvals,
		bundles:   d.Bundles,
		tokens:    d.Tokens,
		ledger:    d.Ledger,
		limiter:   d.Limiter,
		health:    d.Health,
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/status", RequireTenant(s.handleStatus))

	s.mux.HandleFunc("GET /v1/policies", RequireTenant(s.handleListPolicies))
	s.mux.HandleFunc("PUT /v1/policies", RequireTenant(s.handleUpsertPolicy))
	s.mux.HandleFunc("POST /v1/approvals", RequireTenant(s.handleSubmit))
	s.mux.HandleFunc("GET /v1/approvals/pending", RequireTenant(s.handlePending))
	s.mux.HandleFunc("POST /v1/approvals/tasks/{taskID}/review", RequireTenant(s.handleReview))
	s.mux.HandleFunc("GET /v1/approvals/{type}/{id}", RequireTenant(s.handleResolution))
	s.mux.HandleFunc("GET /v1/approvals/{type}/{id}/tasks", RequireTenant(s.handleTasks))
	s.mux.HandleFunc("POST /v1/approvals/{type}/{id}/resolve", RequireTenant(s.handleResolve))

	s.mux.HandleFunc("POST /v1/bundles", RequireTenant(s.handleCompile))
	s.mux.HandleFunc("GET /v1/bundles", RequireTenant(s.handleListBundles))
	s.mux.HandleFunc("GET /v1/bundles/active", RequireTenant(s.handleActiveBundle))
	s.mux.HandleFunc("GET /v1/bundles/{id}", RequireTenant(s.handleGetBundle))
	s.mux.HandleFunc("GET /v1/bundles/{id}/content", RequireTenant(s.handleBundleContent))
	s.mux.HandleFunc("GET /v1/bundles/{id}/verify", RequireTenant(s.handleVerifyBundle))
	s.mux.HandleFunc("POST /v1/bundles/{id}/publish", RequireTenant(s.handlePublish))
	s.mux.HandleFunc("POST /v1/bundles/{id}/activate", RequireTenant(s.handleActivate))
	s.mux.HandleFunc("POST /v1/bundles/{id}/revoke", RequireTenant(s.handleRevokeBundle))

	s.mux.HandleFunc("POST /v1/tokens", RequireTenant(s.handleIssue))
	s.mux.HandleFunc("GET /v1/tokens/{id}", RequireTenant(s.handleGetToken))
	s.mux.HandleFunc("POST /v1/tokens/{id}/revoke", RequireTenant(s.handleRevokeToken))
	// Resource servers present tokens without a tenant header.
	s.mux.HandleFunc("POST /v1/tokens/introspect", s.handleIntrospect)
	s.mux.HandleFunc("POST /v1/tokens/validate", s.handleValidate)

	s.mux.HandleFunc("GET /v1/ledger/events", RequireTenant(s.handleEvents))
	s.mux.HandleFunc("GET /v1/ledger/verify", RequireTenant(s.handleVerifyChain))
	s.mux.HandleFunc("GET /v1/ledger/batches", RequireTenant(s.handleListBatches))
	s.mux.HandleFunc("POST /v1/ledger/batches", RequireTenant(s.handleBatch))
	s.mux.HandleFunc("GET /v1/ledger/proofs/{seq}", RequireTenant(s.handleProof))
}

// Handler returns the routed API wrapped in its middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = RateLimit(s.limiter, s.logger)(h)
	}
	h = AccessLog(s.logger)(h)
	return RequestID(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.PingContext(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			WriteError(w, r, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	TenantID         string `json:"tenant_id"`
	ActiveBundle     string `json:"active_bundle,omitempty"`
	LiveTokens       int    `json:"live_tokens"`
	PendingApprovals int    `json:"pending_approvals"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := TenantFrom(ctx)
	out := statusResponse{TenantID: tenant}

	var err error
	if out.ActiveBundle, err = s.bundles.ActiveVersion(ctx, tenant); err != nil && !errors.Is(err, contracts.ErrBundleNotFound) {
		WriteServiceError(w, r, err)
		return
	}
	if out.LiveTokens, err = s.tokens.ActiveCount(ctx, tenant); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	pending, err := s.approvals.PendingApprovals(ctx, tenant)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	out.PendingApprovals = len(pending)
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// levelParam accepts 2, "2" or "L2".
type levelParam contracts.Level

func (l *levelParam) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*l = levelParam(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := contracts.ParseLevel(s)
	if err != nil {
		return err
	}
	*l = levelParam(parsed)
	return nil
}

// artifactFromPath reads {type}/{id} path values.
func artifactFromPath(r *http.Request) contracts.ArtifactRef {
	return contracts.ArtifactRef{
		Type: contracts.ArtifactType(strings.ToUpper(r.PathValue("type"))),
		ID:   r.PathValue("id"),
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, contracts.Errorf(contracts.KindValidation, "%s must be a non-negative integer", key)
	}
	return n, nil
}
