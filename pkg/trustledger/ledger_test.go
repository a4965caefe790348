package trustledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
	"github.com/Mindburn-Labs/trustgate/pkg/database/dbtest"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *database.DB) {
	t.Helper()
	db := dbtest.New(t)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(db, opts...), db
}

func record(t *testing.T, l *Ledger, tenant, action string, payload any) contracts.LedgerEvent {
	t.Helper()
	ev, err := l.Record(context.Background(), Entry{
		TenantID:     tenant,
		ArtifactType: string(contracts.ArtifactPolicy),
		ArtifactID:   "pol-1",
		Action:       action,
		Payload:      payload,
	})
	require.NoError(t, err)
	return ev
}

func TestAppend_BuildsChainFromGenesis(t *testing.T) {
	l, _ := newTestLedger(t)

	e1 := record(t, l, "t1", contracts.ActionApprovalSubmitted, map[string]any{"level": "L2"})
	e2 := record(t, l, "t1", contracts.ActionReviewSubmitted, map[string]any{"facet": "security"})
	e3 := record(t, l, "t1", contracts.ActionApprovalResolved, nil)

	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, contracts.GenesisHash, e1.PrevHash)
	assert.Equal(t, int64(2), e2.Seq)
	assert.Equal(t, e1.ChainHash, e2.PrevHash)
	assert.Equal(t, e2.ChainHash, e3.PrevHash)
	assert.Equal(t, `{}`, string(e3.Payload))
	assert.Equal(t, fixedNow.Truncate(time.Microsecond), e1.CreatedAt)

	report, err := l.VerifyChain(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Events)
	assert.Equal(t, int64(3), report.HeadSeq)
	assert.Equal(t, e3.ChainHash, report.HeadHash)
}

func TestAppend_ChainsArePerTenant(t *testing.T) {
	l, _ := newTestLedger(t)
	record(t, l, "t1", contracts.ActionTokenIssued, nil)
	record(t, l, "t1", contracts.ActionTokenIssued, nil)
	other := record(t, l, "t2", contracts.ActionTokenIssued, nil)

	assert.Equal(t, int64(1), other.Seq)
	assert.Equal(t, contracts.GenesisHash, other.PrevHash)

	events, err := l.Events(context.Background(), "t2", Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppend_ContentHashIsCanonical(t *testing.T) {
	l, _ := newTestLedger(t)
	a := record(t, l, "t1", contracts.ActionBundleCompiled, map[string]any{"b": 1, "a": "x"})
	b := record(t, l, "t1", contracts.ActionBundleCompiled, map[string]any{"a": "x", "b": 1})
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.NotEqual(t, a.ChainHash, b.ChainHash)
}

func TestAppend_RolledBackWithCallerTx(t *testing.T) {
	l, db := newTestLedger(t)
	boom := errors.New("state change failed")

	err := db.WithTx(context.Background(), func(tx *database.Tx) error {
		if _, err := l.Append(context.Background(), tx, Entry{
			TenantID: "t1", ArtifactType: "POLICY", ArtifactID: "p", Action: contracts.ActionPolicyUpdated,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := l.Events(context.Background(), "t1", Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppend_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Record(context.Background(), Entry{TenantID: "t1", Action: contracts.ActionTokenIssued})
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = l.Record(context.Background(), Entry{ArtifactType: "X", ArtifactID: "y", Action: "A"})
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestEvents_Filter(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Record(ctx, Entry{TenantID: "t1", ArtifactType: "SIGNAL", ArtifactID: "s1", Action: contracts.ActionApprovalSubmitted})
	require.NoError(t, err)
	_, err = l.Record(ctx, Entry{TenantID: "t1", ArtifactType: "SIGNAL", ArtifactID: "s2", Action: contracts.ActionApprovalSubmitted})
	require.NoError(t, err)
	_, err = l.Record(ctx, Entry{TenantID: "t1", ArtifactType: "SIGNAL", ArtifactID: "s1", Action: contracts.ActionReviewSubmitted})
	require.NoError(t, err)

	byArtifact, err := l.Events(ctx, "t1", Filter{ArtifactType: "SIGNAL", ArtifactID: "s1"})
	require.NoError(t, err)
	assert.Len(t, byArtifact, 2)

	byAction, err := l.Events(ctx, "t1", Filter{Action: contracts.ActionApprovalSubmitted, Limit: 1})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "s1", byAction[0].ArtifactID)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	record(t, l, "t1", contracts.ActionBundlePublished, map[string]any{"version": "1.0.0"})
	record(t, l, "t1", contracts.ActionBundleActivated, map[string]any{"version": "1.0.0"})

	_, err := db.ExecContext(ctx, `UPDATE ledger_events SET payload = ? WHERE tenant_id = ? AND seq = ?`,
		`{"version":"9.9.9"}`, "t1", 1)
	require.NoError(t, err)

	report, err := l.VerifyChain(ctx, "t1")
	require.ErrorIs(t, err, contracts.ErrChainIntegrityViolation)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(1), report.BrokenAt)
	assert.Equal(t, "content_hash mismatch", report.Reason)
}

func TestVerifyEvents_BrokenLink(t *testing.T) {
	l, _ := newTestLedger(t)
	record(t, l, "t1", contracts.ActionTokenIssued, nil)
	record(t, l, "t1", contracts.ActionTokenRevoked, nil)
	events, err := l.Events(context.Background(), "t1", Filter{})
	require.NoError(t, err)

	events[1].PrevHash = contracts.GenesisHash
	reason, seq := verifyEvents(events)
	assert.Equal(t, "prev_hash does not match predecessor", reason)
	assert.Equal(t, int64(2), seq)

	reason, seq = verifyEvents(events[1:])
	assert.Equal(t, "sequence gap", reason)
	assert.Equal(t, int64(1), seq)
}

func TestVerifyChain_EmptyIsValid(t *testing.T) {
	l, _ := newTestLedger(t)
	report, err := l.VerifyChain(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, contracts.GenesisHash, report.HeadHash)
}

func TestRecord_ConcurrentAppendsSerialisePerTenant(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	const workers, perWorker = 8, 5
	var wg sync.WaitGroup
	errs := make(chan error, 2*workers*perWorker)
	for w := 0; w < workers; w++ {
		for _, tenant := range []string{"t1", "t2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					_, err := l.Record(ctx, Entry{
						TenantID:     tenant,
						ArtifactType: string(contracts.ArtifactPolicy),
						ArtifactID:   fmt.Sprintf("pol-%d-%d", w, i),
						Action:       contracts.ActionReviewSubmitted,
						Payload:      map[string]int{"worker": w, "n": i},
					})
					if err != nil {
						errs <- err
					}
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, tenant := range []string{"t1", "t2"} {
		events, err := l.Events(ctx, tenant, Filter{})
		require.NoError(t, err)
		require.Len(t, events, workers*perWorker)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Seq, "seq gap or duplicate in %s", tenant)
		}

		report, err := l.VerifyChain(ctx, tenant)
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.Equal(t, int64(workers*perWorker), report.HeadSeq)
	}
}
