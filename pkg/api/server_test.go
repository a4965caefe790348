package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/trustgate/pkg/api"
	"github.com/Mindburn-Labs/trustgate/pkg/approval"
	"github.com/Mindburn-Labs/trustgate/pkg/artifacts"
	"github.com/Mindburn-Labs/trustgate/pkg/bundles"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database/dbtest"
	"github.com/Mindburn-Labs/trustgate/pkg/gateway"
	"github.com/Mindburn-Labs/trustgate/pkg/identity"
	"github.com/Mindburn-Labs/trustgate/pkg/ratelimit"
	"github.com/Mindburn-Labs/trustgate/pkg/trustledger"
)

const tenant = "org-t"

type client struct {
	t      *testing.T
	srv    *httptest.Server
	tenant string
}

func newServer(t *testing.T, limiter ratelimit.Limiter) *httptest.Server {
	t.Helper()
	db := dbtest.New(t)
	ledger := trustledger.New(db)
	engine := approval.NewEngine(db, ledger)

	store, err := artifacts.NewFileStore(filepath.Join(t.TempDir(), "cas"))
	require.NoError(t, err)
	bundleSigner, err := bundles.NewHMACSigner([]byte("bundle-secret"))
	require.NoError(t, err)
	dir := identity.NewStaticDirectory(
		identity.Principal{ID: "signer-1", TenantID: tenant},
		identity.Principal{ID: "issuer-1", TenantID: tenant},
	)
	bundleSvc := bundles.NewService(db, ledger, engine, store, bundleSigner, dir)

	tokenSigner, err := gateway.NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	tokens := gateway.NewService(db, ledger, engine, dir, tokenSigner)

	srv := httptest.NewServer(api.NewServer(api.Deps{
		Approvals: engine,
		Bundles:   bundleSvc,
		Tokens:    tokens,
		Ledger:    ledger,
		Limiter:   limiter,
		Health:    db,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func (c client) do(method, path string, body any) (*http.Response, []byte) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rd)
	require.NoError(c.t, err)
	if c.tenant != "" {
		req.Header.Set(api.TenantHeader, c.tenant)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestEndToEnd_ApproveCompileIssue(t *testing.T) {
	c := client{t: t, srv: newServer(t, nil), tenant: tenant}

	resp, _ := c.do(http.MethodPut, "/v1/policies", map[string]any{
		"artifact_type": "ROLE_AGENT", "level": "L2", "required_facets": []string{"security", "Compliance"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := c.do(http.MethodPost, "/v1/approvals", map[string]any{
		"artifact_type": "ROLE_AGENT", "artifact_id": "A1", "level": 2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	sub := decode[contracts.Submission](t, body)
	require.Len(t, sub.Tasks, 2)

	var res contracts.ApprovalResolution
	for i, task := range sub.Tasks {
		resp, body = c.do(http.MethodPost, "/v1/approvals/tasks/"+task.ID+"/review", map[string]any{
			"reviewer_id": []string{"alice", "bob"}[i], "decision": "APPROVE",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		res = decode[contracts.ApprovalResolution](t, body)
	}
	assert.Equal(t, contracts.ApprovalApproved, res.Status)

	resp, body = c.do(http.MethodGet, "/v1/approvals/role_agent/A1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contracts.ApprovalApproved, decode[contracts.ApprovalResolution](t, body).Status)

	resp, body = c.do(http.MethodPost, "/v1/bundles", map[string]any{
		"version":   "1.0.0",
		"artifacts": []contracts.ArtifactRef{{Type: contracts.ArtifactRoleAgent, ID: "A1"}},
		"policies":  []string{"pii-redaction"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	bundle := decode[contracts.PolicyBundle](t, body)
	assert.Equal(t, contracts.BundleDraft, bundle.Status)

	resp, body = c.do(http.MethodPost, "/v1/bundles/"+bundle.ID+"/publish", map[string]string{"signer_id": "signer-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, _ = c.do(http.MethodPost, "/v1/bundles/"+bundle.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = c.do(http.MethodGet, "/v1/bundles/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, bundle.ID, decode[contracts.PolicyBundle](t, body).ID)

	resp, body = c.do(http.MethodGet, "/v1/bundles/"+bundle.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode[map[string]any](t, body)["valid"])

	resp, body = c.do(http.MethodGet, "/v1/bundles/"+bundle.ID+"/content", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "package trustgate.bundle")

	resp, body = c.do(http.MethodPost, "/v1/tokens", map[string]any{
		"artifact_type": "ROLE_AGENT", "artifact_id": "A1", "level": 3,
		"scope": []string{"mcp:invoke"}, "issuer_id": "issuer-1", "ttl_seconds": 600,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	issued := decode[contracts.IssuedToken](t, body)

	anon := client{t: t, srv: c.srv}
	resp, body = anon.do(http.MethodPost, "/v1/tokens/introspect", map[string]string{"token": issued.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	intro := decode[contracts.Introspection](t, body)
	assert.True(t, intro.Valid)
	assert.Equal(t, tenant, intro.TenantID)

	_, body = anon.do(http.MethodPost, "/v1/tokens/validate", map[string]any{"token": issued.Token, "scope": "mcp:invoke", "level": "L2"})
	assert.Equal(t, map[string]bool{"allowed": true}, decode[map[string]bool](t, body))

	resp, body = c.do(http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[map[string]any](t, body)
	assert.Equal(t, "1.0.0", status["active_bundle"])
	assert.EqualValues(t, 1, status["live_tokens"])

	resp, _ = c.do(http.MethodPost, "/v1/tokens/"+issued.TokenID+"/revoke", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = anon.do(http.MethodPost, "/v1/tokens/introspect", map[string]string{"token": issued.Token})
	intro = decode[contracts.Introspection](t, body)
	assert.False(t, intro.Valid)
	assert.True(t, intro.Revoked)

	resp, body = c.do(http.MethodPost, "/v1/tokens/"+issued.TokenID+"/revoke", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_REVOKED", decode[api.ProblemDetail](t, body).Code)

	resp, body = c.do(http.MethodGet, "/v1/ledger/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[trustledger.ChainReport](t, body)
	assert.True(t, report.Valid)
	assert.Positive(t, report.Events)

	resp, body = c.do(http.MethodPost, "/v1/ledger/batches", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	resp, body = c.do(http.MethodGet, "/v1/ledger/proofs/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	proof := decode[trustledger.EventProof](t, body)
	assert.Equal(t, int64(1), proof.Event.Seq)

	resp, _ = c.do(http.MethodPost, "/v1/ledger/batches", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = c.do(http.MethodGet, "/v1/ledger/events?action="+contracts.ActionTokenRevoked, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[map[string][]contracts.LedgerEvent](t, body)["events"]
	assert.Len(t, events, 1)
}

func TestHighestAssuranceLevel(t *testing.T) {
	c := client{t: t, srv: newServer(t, nil), tenant: tenant}
	facets := []string{"security", "compliance", "policy", "risk", "legal"}

	resp, body := c.do(http.MethodPut, "/v1/policies", map[string]any{
		"artifact_type": "ROLE_AGENT", "level": "L5", "min_reviewers": 5, "required_facets": facets,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, contracts.Level(5), decode[contracts.AssurancePolicy](t, body).Level)

	resp, body = c.do(http.MethodPost, "/v1/approvals", map[string]any{
		"artifact_type": "ROLE_AGENT", "artifact_id": "A5", "level": "L5",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	sub := decode[contracts.Submission](t, body)
	require.Len(t, sub.Tasks, len(facets))

	var res contracts.ApprovalResolution
	for i, task := range sub.Tasks {
		resp, body = c.do(http.MethodPost, "/v1/approvals/tasks/"+task.ID+"/review", map[string]any{
			"reviewer_id": facets[i] + "-reviewer", "decision": "approve",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		res = decode[contracts.ApprovalResolution](t, body)
	}
	assert.Equal(t, contracts.ApprovalApproved, res.Status)
	assert.Equal(t, contracts.Level(5), res.Level)

	resp, body = c.do(http.MethodPost, "/v1/tokens", map[string]any{
		"artifact_type": "ROLE_AGENT", "artifact_id": "A5", "level": 5,
		"scope": []string{"mcp:invoke"}, "issuer_id": "issuer-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	issued := decode[contracts.IssuedToken](t, body)

	anon := client{t: t, srv: c.srv}
	_, body = anon.do(http.MethodPost, "/v1/tokens/introspect", map[string]string{"token": issued.Token})
	intro := decode[contracts.Introspection](t, body)
	assert.True(t, intro.Valid)
	assert.Equal(t, contracts.Level(5), intro.Level)

	_, body = anon.do(http.MethodPost, "/v1/tokens/validate", map[string]any{"token": issued.Token, "scope": "mcp:invoke", "level": "L5"})
	assert.Equal(t, map[string]bool{"allowed": true}, decode[map[string]bool](t, body))

	resp, body = c.do(http.MethodPut, "/v1/policies", map[string]any{
		"artifact_type": "ROLE_AGENT", "level": "L6", "required_facets": facets,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestIssue_TTLOutOfRange(t *testing.T) {
	c := client{t: t, srv: newServer(t, nil), tenant: tenant}

	// 2^55+900 seconds wraps to 900s when multiplied into a time.Duration.
	resp, body := c.do(http.MethodPost, "/v1/tokens", map[string]any{
		"artifact_type": "ROLE_AGENT", "artifact_id": "A1", "level": 1,
		"scope": []string{"mcp:invoke"}, "issuer_id": "issuer-1", "ttl_seconds": int64(1)<<55 + 900,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	assert.Equal(t, "VALIDATION_ERROR", decode[api.ProblemDetail](t, body).Code)

	_, body = c.do(http.MethodGet, "/v1/status", nil)
	assert.EqualValues(t, 0, decode[map[string]any](t, body)["live_tokens"])
}

func TestErrorMapping(t *testing.T) {
	srv := newServer(t, nil)
	c := client{t: t, srv: srv, tenant: tenant}

	cases := map[string]struct {
		method, path string
		body         any
		status       int
		code         string
	}{
		"unknown bundle": {http.MethodGet, "/v1/bundles/nope", nil, http.StatusNotFound, "BUNDLE_NOT_FOUND"},
		"no policy": {http.MethodPost, "/v1/approvals", map[string]any{
			"artifact_type": "SIGNAL", "artifact_id": "s1", "level": 4,
		}, http.StatusNotFound, "POLICY_NOT_FOUND"},
		"bad level": {http.MethodPost, "/v1/approvals", map[string]any{
			"artifact_type": "SIGNAL", "artifact_id": "s1", "level": 9,
		}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		"unapproved compile": {http.MethodPost, "/v1/bundles", map[string]any{
			"version": "1.0.0", "artifacts": []contracts.ArtifactRef{{Type: contracts.ArtifactSignal, ID: "s1"}},
		}, http.StatusForbidden, "ARTIFACT_NOT_APPROVED"},
		"unknown task": {http.MethodPost, "/v1/approvals/tasks/missing/review", map[string]any{
			"reviewer_id": "r", "decision": "approve",
		}, http.StatusNotFound, "TASK_NOT_FOUND"},
		"unknown token": {http.MethodGet, "/v1/tokens/missing", nil, http.StatusNotFound, "TOKEN_NOT_FOUND"},
		"resolve without tasks": {http.MethodPost, "/v1/approvals/SIGNAL/s1/resolve", nil, http.StatusNotFound, "NO_APPROVALS_FOUND"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c.t = t
			resp, body := c.do(tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, resp.StatusCode, string(body))
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
			problem := decode[api.ProblemDetail](t, body)
			assert.Equal(t, tc.code, problem.Code)
			assert.Equal(t, tc.path, problem.Instance)
			assert.NotEmpty(t, problem.TraceID)
		})
	}
}

func TestRequireTenant(t *testing.T) {
	c := client{t: t, srv: newServer(t, nil)}
	resp, body := c.do(http.MethodGet, "/v1/bundles", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[api.ProblemDetail](t, body).Detail, api.TenantHeader)

	resp, _ = c.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTenantIsolation(t *testing.T) {
	srv := newServer(t, nil)
	owner := client{t: t, srv: srv, tenant: tenant}
	other := client{t: t, srv: srv, tenant: "org-other"}

	resp, _ := owner.do(http.MethodPut, "/v1/policies", map[string]any{
		"artifact_type": "SIGNAL", "level": 1, "required_facets": []string{"risk"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := owner.do(http.MethodPost, "/v1/approvals", map[string]any{
		"artifact_type": "SIGNAL", "artifact_id": "s1", "level": 1,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	task := decode[contracts.Submission](t, body).Tasks[0]

	resp, _ = other.do(http.MethodPost, "/v1/approvals/tasks/"+task.ID+"/review", map[string]any{
		"reviewer_id": "mallory", "decision": "approve",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = other.do(http.MethodGet, "/v1/policies", nil)
	assert.Empty(t, decode[map[string][]contracts.AssurancePolicy](t, body)["policies"])

	_, body = owner.do(http.MethodGet, "/v1/approvals/pending", nil)
	assert.Len(t, decode[map[string][]contracts.ApprovalTask](t, body)["tasks"], 1)
}

func TestMalformedBodies(t *testing.T) {
	c := client{t: t, srv: newServer(t, nil), tenant: tenant}

	req, err := http.NewRequest(http.MethodPost, c.srv.URL+"/v1/approvals", bytes.NewBufferString(`{"artifact_type":`))
	require.NoError(t, err)
	req.Header.Set(api.TenantHeader, tenant)
	resp, err := c.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/v1/approvals", map[string]any{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = c.do(http.MethodGet, "/v1/ledger/proofs/zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := c.do(http.MethodPost, "/v1/tokens/introspect", map[string]string{"token": "not-a-jwt"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[contracts.Introspection](t, body).Valid)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestRateLimit(t *testing.T) {
	c := client{t: t, srv: newServer(t, ratelimit.NewLocalLimiter(ratelimit.Config{RPS: 0.001, Burst: 1})), tenant: tenant}

	resp, _ := c.do(http.MethodGet, "/v1/bundles", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = c.do(http.MethodGet, "/v1/bundles", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Buckets are per tenant.
	other := client{t: t, srv: c.srv, tenant: "org-other"}
	resp, _ = other.do(http.MethodGet, "/v1/bundles", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health is never limited.
	resp, _ = c.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit_FailsClosed(t *testing.T) {
	c := client{t: t, srv: newServer(t, failingLimiter{}), tenant: tenant}
	resp, body := c.do(http.MethodGet, "/v1/bundles", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotContains(t, string(body), "redis")
}
