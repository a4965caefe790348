package bundles

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/trustgate/pkg/approval"
	"github.com/Mindburn-Labs/trustgate/pkg/artifacts"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
	"github.com/Mindburn-Labs/trustgate/pkg/database/dbtest"
	"github.com/Mindburn-Labs/trustgate/pkg/identity"
	"github.com/Mindburn-Labs/trustgate/pkg/trustledger"
)

const tenant = "org-t"

var (
	a1 = contracts.ArtifactRef{Type: contracts.ArtifactRoleAgent, ID: "A1"}
	a2 = contracts.ArtifactRef{Type: contracts.ArtifactPolicy, ID: "A2"}
)

// approvedSet approves exactly the listed artifacts.
type approvedSet map[contracts.ArtifactRef]bool

func (s approvedSet) RequireApproved(_ context.Context, _ string, ref contracts.ArtifactRef) (contracts.ApprovalResolution, error) {
	if !s[ref] {
		return contracts.ApprovalResolution{}, contracts.Errorf(contracts.KindArtifactNotApproved, "%s", ref)
	}
	return contracts.ApprovalResolution{Status: contracts.ApprovalApproved, Artifact: ref}, nil
}

type fixture struct {
	db     *database.DB
	ledger *trustledger.Ledger
	store  artifacts.Store
	svc    *Service
}

func newFixture(t *testing.T, approvals ApprovalChecker, opts ...Option) *fixture {
	t.Helper()
	db := dbtest.New(t)
	clock := func() time.Time { return time.Date(2026, 5, 4, 8, 0, 0, 987654321, time.UTC) }
	ledger := trustledger.New(db, trustledger.WithClock(clock))
	store, err := artifacts.NewFileStore(filepath.Join(t.TempDir(), "cas"))
	require.NoError(t, err)
	signer, err := NewHMACSigner([]byte("bundle-secret"))
	require.NoError(t, err)
	dir := identity.NewStaticDirectory(
		identity.Principal{ID: "S1", TenantID: tenant},
		identity.Principal{ID: "outsider", TenantID: "org-x"},
	)
	svc := NewService(db, ledger, approvals, store, signer, dir, append([]Option{WithClock(clock)}, opts...)...)
	return &fixture{db: db, ledger: ledger, store: store, svc: svc}
}

func (f *fixture) compile(t *testing.T, version string) contracts.PolicyBundle {
	t.Helper()
	b, err := f.svc.Compile(context.Background(), CompileRequest{
		TenantID: tenant, Version: version, Artifacts: []contracts.ArtifactRef{a1, a2},
		Policies: []string{"pii-redaction"}, Controls: []string{"SOC2-CC6.1"},
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) actions(t *testing.T, bundleID string) []string {
	t.Helper()
	events, err := f.ledger.Events(context.Background(), tenant, trustledger.Filter{
		ArtifactType: contracts.SubjectPolicyBundle, ArtifactID: bundleID,
	})
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

func TestCompile_WithApprovalEngine(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	ledger := trustledger.New(db)
	engine := approval.NewEngine(db, ledger)
	for _, typ := range []contracts.ArtifactType{a1.Type, a2.Type} {
		_, err := engine.UpsertPolicy(ctx, contracts.AssurancePolicy{
			TenantID: tenant, ArtifactType: typ, Level: 3, IsActive: true,
			RequiredFacets: []contracts.Facet{contracts.FacetSecurity},
		})
		require.NoError(t, err)
	}
	approve := func(ref contracts.ArtifactRef) {
		sub, err := engine.SubmitForApproval(ctx, tenant, ref, 3)
		require.NoError(t, err)
		_, err = engine.SubmitReview(ctx, sub.Tasks[0].ID, "rev", contracts.DecisionApprove, "ok")
		require.NoError(t, err)
	}

	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	signer, err := NewHMACSigner([]byte("k"))
	require.NoError(t, err)
	svc := NewService(db, ledger, engine, store, signer, identity.NewStaticDirectory())

	req := CompileRequest{TenantID: tenant, Version: "1.0.0", Artifacts: []contracts.ArtifactRef{a1, a2}}
	approve(a1)
	_, err = svc.Compile(ctx, req)
	assert.ErrorIs(t, err, contracts.ErrArtifactNotApproved)

	approve(a2)
	first, err := svc.Compile(ctx, req)
	require.NoError(t, err)
	second, err := svc.Compile(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, contracts.BundleDraft, first.Status)
	assert.Len(t, first.ContentHash, 64)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCompile_Deterministic(t *testing.T) {
	f := newFixture(t, approvedSet{a1: true, a2: true})
	ctx := context.Background()

	b1, err := f.svc.Compile(ctx, CompileRequest{TenantID: tenant, Version: "1.0.0",
		Artifacts: []contracts.ArtifactRef{a2, a1, a1}, Policies: []string{"b", "a", " a "}})
	require.NoError(t, err)
	b2, err := f.svc.Compile(ctx, CompileRequest{TenantID: tenant, Version: "1.0.0",
		Artifacts: []contracts.ArtifactRef{a1, a2}, Policies: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, b1.ContentHash, b2.ContentHash)
	assert.Equal(t, b1.ByteSize, b2.ByteSize)
	assert.Equal(t, []contracts.ArtifactRef{a2, a1}, b1.Metadata.Artifacts, "sorted by type then id")

	b3, err := f.svc.Compile(ctx, CompileRequest{TenantID: tenant, Version: "1.0.1",
		Artifacts: []contracts.ArtifactRef{a1, a2}, Policies: []string{"a", "b"}})
	require.NoError(t, err)
	assert.NotEqual(t, b1.ContentHash, b3.ContentHash)
}

func TestCompile_StoresContentAddressed(t *testing.T) {
	f := newFixture(t, approvedSet{a1: true, a2: true})
	b := f.compile(t, "1.0.0")

	assert.Equal(t, "cas://sha256:"+b.ContentHash, b.StorageURL)
	content, err := f.svc.Content(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), b.ByteSize)
	assert.Contains(t, string(content), "default allow = false")
	assert.Contains(t, string(content), `"ROLE_AGENT/A1"`)

	got, err := f.svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Metadata.Artifacts, got.Metadata.Artifacts)
	assert.Equal(t, compilerName, got.Metadata.Compiler)
	assert.Equal(t, []string{contracts.ActionBundleCompiled}, f.actions(t, b.ID))
}

func TestCompile_Validation(t *testing.T) {
	f := newFixture(t, approvedSet{a1: true})
	ctx := context.Background()

	for _, v := range []string{"", "v1", "1.0", "latest"} {
		_, err := f.svc.Compile(ctx, CompileRequest{TenantID: tenant, Version: v})
		assert.ErrorIs(t, err, contracts.ErrValidation, v)
	}
	_, err := f.svc.Compile(ctx, CompileRequest{Version: "1.0.0"})
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = f.svc.Compile(ctx, CompileRequest{TenantID: tenant, Version: "1.0.0", Artifacts: []contracts.ArtifactRef{a1, a2}})
	assert.ErrorIs(t, err, contracts.ErrArtifactNotApproved)

	bundles, err := f.svc.List(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, bundles)
}

func TestCompile_UnsafeBypass(t *testing.T) {
	f := newFixture(t, approvedSet{}, WithUnsafeApprovalBypass())
	b := f.compile(t, "0.1.0")
	assert.Equal(t, contracts.BundleDraft, b.Status)
}

func TestLifecycle_PublishActivateSupersede(t *testing.T) {
	f := newFixture(t, approvedSet{a1: true, a2: true})
	ctx := context.Background()

	v1 := f.compile(t, "1.0.0")
	pub, err := f.svc.Publish(ctx, v1.ID, "S1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BundlePublished, pub.Status)
	assert.NotEmpty(t, pub.Signature)
	assert.Equal(t, "S1", pub.SignerID)

	ok, err := f.svc.VerifySignature(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	act, err := f.svc.Activate(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BundleActive, act.Status)
	require.NotNil(t, act.ActivatedAt)

	v2 := f.compile(t, "2.0.0")
	_, err = f.svc.Publish(ctx, v2.ID, "S1")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, v2.ID)
	require.NoError(t, err)

	old, err := f.svc.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BundleRevoked, old.Status)
	require.NotNil(t, old.RevokedAt)

	active, err := f.svc.Active(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
	version, err := f.svc.ActiveVersion(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", version)

	assert.Equal(t, []string{
		contracts.ActionBundleCompiled, contracts.ActionBundlePublished,
		contracts.ActionBundleActivated, contracts.ActionBundleRevoked,
	}, f.actions(t, v1.ID))

	events, err := f.ledger.Events(ctx, tenant, trustledger.Filter{ArtifactID: v1.ID, Action: contracts.ActionBundleRevoked})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Payload), `"reason":"superseded"`)

	published, err := f.ledger.Events(ctx, tenant, trustledger.Filter{ArtifactID: v1.ID, Action: contracts.ActionBundlePublished})
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Contains(t, string(published[0].Payload), `"signature_prefix":"`+pub.Signature[:16]+`"`)
	assert.NotContains(t, string(published[0].Payload), pub.Signature)

	report, err := f.ledger.VerifyChain(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestStateGuards(t *testing.T) {
	f := newFixture(t, approvedSet{a1: true, a2: true})
	ctx := context.Background()
	b := f.compile(t, "1.0.0")

	unchanged := func(want contracts.PolicyBundle, actions ...string) {
		t.Helper()
		got, err := f.svc.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.SignerID, got.SignerID)
		assert.Equal(t, want.Signature, got.Signature)
		assert.Equal(t, actions, f.actions(t, b.ID))
	}

	_, err := f.svc.Activate(ctx, b.ID)
	assert.ErrorIs(t, err, contracts.ErrInvalidStateTransition, "draft cannot be activated")
	unchanged(b, contracts.ActionBundleCompiled)

	_, err = f.svc.Publish(ctx, b.ID, "outsider")
	assert.ErrorIs(t, err, contracts.ErrValidation)
	_, err = f.svc.Publish(ctx, b.ID, "ghost")
	assert.ErrorIs(t, err, contracts.ErrValidation)
	_, err = f.svc.Publish(ctx, b.ID, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)
	unchanged(b, contracts.ActionBundleCompiled)

	published, err := f.svc.Publish(ctx, b.ID, "S1")
	require.NoError(t, err)
	_, err = f.svc.Publish(ctx, b.ID, "S1")
	assert.ErrorIs(t, err, contracts.ErrInvalidStateTransition)
	unchanged(published, contracts.ActionBundleCompiled, contracts.ActionBundlePublished)

	revoked, err := f.svc.Revoke(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BundleRevoked, revoked.Status)

	_, err = f.svc.Revoke(ctx, b.ID)
	assert.ErrorIs(t, err, contracts.ErrAlreadyRevoked)
	_, err = f.svc.Activate(ctx, b.ID)
	assert.ErrorIs(t, err, contracts.ErrInvalidStateTransition)
	unchanged(revoked, contracts.ActionBundleCompiled, contracts.ActionBundlePublished, contracts.ActionBundleRevoked)

	_, err = f.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, contracts.ErrBundleNotFound)
	_, err = f.svc.Publish(ctx, "missing", "S1")
	assert.ErrorIs(t, err, contracts.ErrBundleNotFound)
	_, err = f.svc.Active(ctx, tenant)
	assert.ErrorIs(t, err, contracts.ErrBundleNotFound)
}

func TestVerifySignature_Unsigned(t *testing.T) {
	f := newFixture(t, approvedSet{a1: true, a2: true})
	b := f.compile(t, "1.0.0")
	_, err := f.svc.VerifySignature(context.Background(), b.ID)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestActivate_AtMostOneActivePerTenant(t *testing.T) {
	f := newFixture(t, approvedSet{a1: true, a2: true})
	ctx := context.Background()
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0", "2.0.0"} {
		b := f.compile(t, v)
		_, err := f.svc.Publish(ctx, b.ID, "S1")
		require.NoError(t, err)
		_, err = f.svc.Activate(ctx, b.ID)
		require.NoError(t, err)

		var n int
		require.NoError(t, f.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM policy_bundles WHERE tenant_id = ? AND status = ?`, tenant, string(contracts.BundleActive)).Scan(&n))
		assert.Equal(t, 1, n)
	}
}

func TestActivate_ConcurrentLeavesOneActive(t *testing.T) {
	f := newFixture(t, approvedSet{a1: true, a2: true})
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		b := f.compile(t, fmt.Sprintf("1.%d.0", i))
		_, err := f.svc.Publish(ctx, b.ID, "S1")
		require.NoError(t, err)
		ids[i] = b.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Activate(ctx, id)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var active int
	require.NoError(t, f.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policy_bundles WHERE tenant_id = ? AND status = ?`, tenant, string(contracts.BundleActive)).Scan(&active))
	assert.Equal(t, 1, active)

	current, err := f.svc.Active(ctx, tenant)
	require.NoError(t, err)
	assert.Contains(t, ids, current.ID)

	activated, err := f.ledger.Events(ctx, tenant, trustledger.Filter{Action: contracts.ActionBundleActivated})
	require.NoError(t, err)
	assert.Len(t, activated, n)

	report, err := f.ledger.VerifyChain(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}
