package trustledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
)

func TestRecord_PostgresStatements(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()

	l := New(database.New(raw, database.Postgres), WithClock(func() time.Time { return fixedNow }))
	head := "ab" + contracts.GenesisHash[2:]

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("trustledger:t1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT seq, chain_hash FROM ledger_events WHERE tenant_id = \$1 ORDER BY seq DESC LIMIT 1`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "chain_hash"}).AddRow(int64(4), head))
	mock.ExpectExec(`INSERT INTO ledger_events`).
		WithArgs(sqlmock.AnyArg(), "t1", int64(5), "POLICY", "p1", contracts.ActionPolicyUpdated,
			`{"a":1}`, sqlmock.AnyArg(), head, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ev, err := l.Record(context.Background(), Entry{
		TenantID: "t1", ArtifactType: "POLICY", ArtifactID: "p1",
		Action: contracts.ActionPolicyUpdated, Payload: map[string]int{"a": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), ev.Seq)
	assert.Equal(t, head, ev.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_InsertFailureRollsBack(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()

	l := New(database.New(raw, database.Postgres))

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT seq, chain_hash`).WillReturnRows(sqlmock.NewRows([]string{"seq", "chain_hash"}))
	mock.ExpectExec(`INSERT INTO ledger_events`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = l.Record(context.Background(), Entry{TenantID: "t1", ArtifactType: "POLICY", ArtifactID: "p1", Action: "X"})
	require.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
