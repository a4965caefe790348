package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/trustgate/pkg/approval"
	"github.com/Mindburn-Labs/trustgate/pkg/config"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/trustledger"
)

const seed = `
tenant_id: org-t
principals:
  - id: issuer-1
    kind: SERVICE
policies:
  - artifact_type: ROLE_AGENT
    level: L2
    required_facets: [security, compliance]
`

func isolatedEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TRUSTGATE_CONFIG", "")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "trustgate.db"))
	t.Setenv("DATA_DIR", dir)
	t.Setenv("TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("APPROVAL_STATUS_COLUMNS", "")
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"trustgate"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "seed-policies")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_Migrate(t *testing.T) {
	isolatedEnv(t)
	code, out, errOut := run("migrate")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "schema up to date")

	// Migrations are idempotent.
	code, _, errOut = run("migrate")
	assert.Equal(t, 0, code, errOut)
}

func TestRun_InvalidConfig(t *testing.T) {
	isolatedEnv(t)
	t.Setenv("TOKEN_SIGNING", "rot13")
	code, _, errOut := run("migrate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "token signing")
}

func TestRun_SeedThenLedger(t *testing.T) {
	dir := isolatedEnv(t)
	seedPath := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0o600))

	code, out, errOut := run("seed-policies", "--file", seedPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "seeded 1 principals and 1 policies")

	code, out, errOut = run("ledger", "verify", "--tenant", "org-t")
	require.Equal(t, 0, code, errOut)
	var report trustledger.ChainReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Events)

	code, out, errOut = run("ledger", "batch", "--tenant", "org-t")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "merkle_root")

	code, out, _ = run("ledger", "batch", "--tenant", "org-t")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "nothing to batch")
}

func TestRun_SeedRejectsInvalidFile(t *testing.T) {
	dir := isolatedEnv(t)
	seedPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte("policies: [{artifact_type: SPACESHIP}]"), 0o600))

	code, _, errOut := run("seed-policies", "--file", seedPath)
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, errOut)
}

func TestRun_LedgerUsage(t *testing.T) {
	isolatedEnv(t)
	code, _, _ := run("ledger")
	assert.Equal(t, 2, code)
	code, _, _ = run("ledger", "rewrite")
	assert.Equal(t, 2, code)
	code, _, errOut := run("ledger", "verify")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--tenant")
}

func TestNewApp_WiresStatusColumns(t *testing.T) {
	isolatedEnv(t)
	t.Setenv("APPROVAL_STATUS_COLUMNS", "SIGNAL=signals.id/tenant_id/approval_status")
	cfg, err := config.Load("")
	require.NoError(t, err)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, false)
	require.NoError(t, err)
	defer a.Close(ctx)

	_, err = a.db.ExecContext(ctx, `CREATE TABLE signals (id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, approval_status TEXT)`)
	require.NoError(t, err)
	_, err = a.db.ExecContext(ctx, `INSERT INTO signals (id, tenant_id) VALUES (?, ?)`, "sig-1", "org-t")
	require.NoError(t, err)

	_, err = a.approvals.UpsertPolicy(ctx, contracts.AssurancePolicy{
		TenantID: "org-t", ArtifactType: contracts.ArtifactSignal, Level: 1, IsActive: true,
		RequiredFacets: []contracts.Facet{contracts.FacetRisk},
	})
	require.NoError(t, err)
	ref := contracts.ArtifactRef{Type: contracts.ArtifactSignal, ID: "sig-1"}
	sub, err := a.approvals.SubmitForApproval(ctx, "org-t", ref, 1)
	require.NoError(t, err)

	var status string
	require.NoError(t, a.db.QueryRowContext(ctx, `SELECT approval_status FROM signals WHERE id = ?`, "sig-1").Scan(&status))
	assert.Equal(t, "pending", status)

	_, err = a.approvals.SubmitReview(ctx, sub.Tasks[0].ID, "risk-officer", contracts.DecisionApprove, "")
	require.NoError(t, err)
	require.NoError(t, a.db.QueryRowContext(ctx, `SELECT approval_status FROM signals WHERE id = ?`, "sig-1").Scan(&status))
	assert.Equal(t, "approved", status)

	_, cached, err := approval.NewCacheStatusWriter().Status(ctx, a.db, "org-t", ref)
	require.NoError(t, err)
	assert.False(t, cached, "mapped types bypass the shared cache table")
}

func TestNewApp_RejectsBadStatusColumn(t *testing.T) {
	isolatedEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.StatusColumns = map[string]string{"SIGNAL": "signals; DROP TABLE x.id/tenant_id/status"}

	_, err = newApp(context.Background(), cfg, false)
	assert.Error(t, err)
}
