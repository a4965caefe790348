// Package trustledger is the append-only, hash-chained record of governance
// actions. Each tenant has its own chain; events are appended inside the
// caller's transaction so a state change and its ledger entry commit or
// roll back together.
package trustledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/trustgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
	"github.com/Mindburn-Labs/trustgate/pkg/observability"
)

// Entry is what callers append. Payload is any JSON-marshalable value; nil
// is recorded as an empty object.
type Entry struct {
	TenantID     string
	ArtifactType string
	ArtifactID   string
	Action       string
	Payload      any
}

// Filter narrows Events. Zero fields match everything.
type Filter struct {
	ArtifactType string
	ArtifactID   string
	Action       string
	Limit        int
}

type Ledger struct {
	db       *database.DB
	clock    func() time.Time
	anchorer Anchorer
	maxBatch int
	obs      *observability.Provider
	logger   *slog.Logger
}

type Option func(*Ledger)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithAnchorer records every new batch with an external anchor.
func WithAnchorer(a Anchorer) Option {
	return func(l *Ledger) { l.anchorer = a }
}

// WithMaxBatchSize caps the events BatchPending commits at once.
func WithMaxBatchSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxBatch = n
		}
	}
}

func WithObservability(p *observability.Provider) Option {
	return func(l *Ledger) { l.obs = p }
}

func New(db *database.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:       db,
		clock:    time.Now,
		maxBatch: 1000,
		obs:      observability.Disabled(),
		logger:   slog.Default().With("component", "trustledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// chainLink is the canonical record a ChainHash commits to.
type chainLink struct {
	Seq          int64  `json:"seq"`
	TenantID     string `json:"tenant_id"`
	ArtifactType string `json:"artifact_type"`
	ArtifactID   string `json:"artifact_id"`
	Action       string `json:"action"`
	ContentHash  string `json:"content_hash"`
	PrevHash     string `json:"prev_hash"`
	CreatedAt    string `json:"created_at"`
}

func chainHash(ev contracts.LedgerEvent) (string, error) {
	return canonicalize.CanonicalHash(chainLink{
		Seq:          ev.Seq,
		TenantID:     ev.TenantID,
		ArtifactType: ev.ArtifactType,
		ArtifactID:   ev.ArtifactID,
		Action:       ev.Action,
		ContentHash:  ev.ContentHash,
		PrevHash:     ev.PrevHash,
		CreatedAt:    ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func chainLockKey(tenantID string) string { return "trustledger:" + tenantID }

func (e Entry) validate() error {
	switch {
	case strings.TrimSpace(e.TenantID) == "":
		return contracts.Errorf(contracts.KindValidation, "ledger entry needs a tenant")
	case e.Action == "":
		return contracts.Errorf(contracts.KindValidation, "ledger entry needs an action")
	case e.ArtifactType == "" || e.ArtifactID == "":
		return contracts.Errorf(contracts.KindValidation, "ledger entry needs an artifact type and id")
	}
	return nil
}

// Append adds e to its tenant's chain inside tx. A failure here must abort
// the caller's transaction.
func (l *Ledger) Append(ctx context.Context, tx *database.Tx, e Entry) (contracts.LedgerEvent, error) {
	if err := e.validate(); err != nil {
		return contracts.LedgerEvent{}, err
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return contracts.LedgerEvent{}, fmt.Errorf("canonicalize %s payload: %w", e.Action, err)
	}

	if err := tx.Lock(ctx, chainLockKey(e.TenantID)); err != nil {
		return contracts.LedgerEvent{}, err
	}

	ev := contracts.LedgerEvent{
		ID:           uuid.NewString(),
		TenantID:     e.TenantID,
		Seq:          1,
		ArtifactType: e.ArtifactType,
		ArtifactID:   e.ArtifactID,
		Action:       e.Action,
		Payload:      canonical,
		ContentHash:  canonicalize.HashBytes(canonical),
		PrevHash:     contracts.GenesisHash,
		// Postgres keeps microseconds; hash what will be read back.
		CreatedAt: l.now(),
	}

	var lastSeq int64
	var lastHash string
	err = tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM ledger_events WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`,
		e.TenantID,
	).Scan(&lastSeq, &lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return contracts.LedgerEvent{}, fmt.Errorf("read chain head: %w", err)
	default:
		ev.Seq = lastSeq + 1
		ev.PrevHash = lastHash
	}

	if ev.ChainHash, err = chainHash(ev); err != nil {
		return contracts.LedgerEvent{}, fmt.Errorf("chain hash: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (id, tenant_id, seq, artifact_type, artifact_id, action, payload, content_hash, prev_hash, chain_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.Seq, ev.ArtifactType, ev.ArtifactID, ev.Action,
		string(ev.Payload), ev.ContentHash, ev.PrevHash, ev.ChainHash, ev.CreatedAt,
	)
	if err != nil {
		return contracts.LedgerEvent{}, fmt.Errorf("insert ledger event: %w", err)
	}

	l.logger.DebugContext(ctx, "ledger event appended",
		"tenant", ev.TenantID, "seq", ev.Seq, "action", ev.Action, "artifact_id", ev.ArtifactID)
	return ev, nil
}

// Record appends e in a transaction of its own.
func (l *Ledger) Record(ctx context.Context, e Entry) (ev contracts.LedgerEvent, err error) {
	ctx, done := l.obs.TrackOperation(ctx, "trustledger.record", observability.Tenant(e.TenantID), attribute.String("action", e.Action))
	defer func() { done(err) }()

	err = l.db.WithTx(ctx, func(tx *database.Tx) error {
		var appendErr error
		ev, appendErr = l.Append(ctx, tx, e)
		return appendErr
	})
	return ev, err
}

const eventColumns = `id, tenant_id, seq, artifact_type, artifact_id, action, payload, content_hash, prev_hash, chain_hash, batch_id, created_at`

// Events lists a tenant's events in chain order.
func (l *Ledger) Events(ctx context.Context, tenantID string, f Filter) ([]contracts.LedgerEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM ledger_events WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.ArtifactType != "" {
		q += ` AND artifact_type = ?`
		args = append(args, f.ArtifactType)
	}
	if f.ArtifactID != "" {
		q += ` AND artifact_id = ?`
		args = append(args, f.ArtifactID)
	}
	if f.Action != "" {
		q += ` AND action = ?`
		args = append(args, f.Action)
	}
	q += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryEvents(ctx, l.db, q, args...)
}

func queryEvents(ctx context.Context, q database.Querier, query string, args ...any) ([]contracts.LedgerEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.LedgerEvent
	for rows.Next() {
		var ev contracts.LedgerEvent
		var payload []byte
		var batchID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Seq, &ev.ArtifactType, &ev.ArtifactID, &ev.Action,
			&payload, &ev.ContentHash, &ev.PrevHash, &ev.ChainHash, &batchID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		ev.Payload = payload
		ev.BatchID = batchID.String
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
