package trustledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
	"github.com/Mindburn-Labs/trustgate/pkg/merkle"
	"github.com/Mindburn-Labs/trustgate/pkg/observability"
)

// EventProof shows that one event is committed to by its batch's root.
type EventProof struct {
	Event contracts.LedgerEvent  `json:"event"`
	Batch contracts.LedgerBatch  `json:"batch"`
	Proof merkle.InclusionProof `json:"proof"`
}

func batchLeaves(events []contracts.LedgerEvent) []merkle.Leaf {
	leaves := make([]merkle.Leaf, len(events))
	for i, ev := range events {
		leaves[i] = merkle.Leaf{Key: strconv.FormatInt(ev.Seq, 10), Data: []byte(ev.ChainHash)}
	}
	return leaves
}

// Batch commits the contiguous, not yet batched range [fromSeq, toSeq] of a
// tenant's chain to a Merkle root. Anchoring happens after commit; an
// anchoring failure leaves the batch un-anchored and is only logged.
func (l *Ledger) Batch(ctx context.Context, tenantID string, fromSeq, toSeq int64) (batch contracts.LedgerBatch, err error) {
	ctx, done := l.obs.TrackOperation(ctx, "trustledger.batch", observability.Tenant(tenantID))
	defer func() { done(err) }()

	if fromSeq < 1 || toSeq < fromSeq {
		return contracts.LedgerBatch{}, contracts.Errorf(contracts.KindValidation, "invalid batch range [%d,%d]", fromSeq, toSeq)
	}

	err = l.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.Lock(ctx, chainLockKey(tenantID)); err != nil {
			return err
		}
		events, err := queryEvents(ctx, tx,
			`SELECT `+eventColumns+` FROM ledger_events WHERE tenant_id = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`,
			tenantID, fromSeq, toSeq)
		if err != nil {
			return err
		}
		if int64(len(events)) != toSeq-fromSeq+1 {
			return contracts.Errorf(contracts.KindValidation, "range [%d,%d] is not fully present in the chain", fromSeq, toSeq)
		}
		for _, ev := range events {
			if ev.BatchID != "" {
				return contracts.Errorf(contracts.KindValidation, "event %d already belongs to batch %s", ev.Seq, ev.BatchID)
			}
		}

		tree, err := merkle.Build(batchLeaves(events))
		if err != nil {
			return err
		}
		batch = contracts.LedgerBatch{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			FromSeq:    fromSeq,
			ToSeq:      toSeq,
			EventCount: len(events),
			MerkleRoot: tree.Root,
			CreatedAt:  l.now(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_batches (id, tenant_id, from_seq, to_seq, event_count, merkle_root, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			batch.ID, batch.TenantID, batch.FromSeq, batch.ToSeq, batch.EventCount, batch.MerkleRoot, batch.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE ledger_events SET batch_id = ? WHERE tenant_id = ? AND seq >= ? AND seq <= ? AND batch_id IS NULL`,
			batch.ID, tenantID, fromSeq, toSeq,
		); err != nil {
			return fmt.Errorf("stamp batch id: %w", err)
		}
		return nil
	})
	if err != nil {
		return contracts.LedgerBatch{}, err
	}

	l.logger.InfoContext(ctx, "ledger batch committed",
		"tenant", tenantID, "batch_id", batch.ID, "from_seq", fromSeq, "to_seq", toSeq, "root", batch.MerkleRoot)
	l.anchor(ctx, &batch)
	return batch, nil
}

func (l *Ledger) anchor(ctx context.Context, batch *contracts.LedgerBatch) {
	if l.anchorer == nil {
		return
	}
	ref, err := l.anchorer.Anchor(ctx, *batch)
	if err != nil {
		l.logger.WarnContext(ctx, "ledger batch anchoring failed", "batch_id", batch.ID, "error", err)
		return
	}
	if _, err := l.db.ExecContext(ctx, `UPDATE ledger_batches SET anchor_ref = ? WHERE id = ?`, ref, batch.ID); err != nil {
		l.logger.WarnContext(ctx, "ledger batch anchor not recorded", "batch_id", batch.ID, "anchor_ref", ref, "error", err)
		return
	}
	batch.AnchorRef = ref
}

// BatchPending batches the first contiguous run of un-batched events, up to
// the configured maximum. It returns nil when nothing is pending.
func (l *Ledger) BatchPending(ctx context.Context, tenantID string) (*contracts.LedgerBatch, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq FROM ledger_events WHERE tenant_id = ? AND batch_id IS NULL ORDER BY seq ASC LIMIT ?`,
		tenantID, l.maxBatch)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	var seqs []int64
	for rows.Next() {
		var s int64
		if err := rows.Scan(&s); err != nil {
			_ = rows.Close()
			return nil, err
		}
		seqs = append(seqs, s)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, nil
	}
	to := seqs[0]
	for _, s := range seqs[1:] {
		if s != to+1 {
			break
		}
		to = s
	}
	b, err := l.Batch(ctx, tenantID, seqs[0], to)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// PendingTenants lists tenants that have un-batched events.
func (l *Ledger) PendingTenants(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM ledger_events WHERE batch_id IS NULL ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("query pending tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const batchColumns = `id, tenant_id, from_seq, to_seq, event_count, merkle_root, anchor_ref, created_at`

func scanBatch(row interface{ Scan(...any) error }) (contracts.LedgerBatch, error) {
	var b contracts.LedgerBatch
	err := row.Scan(&b.ID, &b.TenantID, &b.FromSeq, &b.ToSeq, &b.EventCount, &b.MerkleRoot, &b.AnchorRef, &b.CreatedAt)
	b.CreatedAt = b.CreatedAt.UTC()
	return b, err
}

// Batches lists a tenant's batches oldest first.
func (l *Ledger) Batches(ctx context.Context, tenantID string) ([]contracts.LedgerBatch, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM ledger_batches WHERE tenant_id = ? ORDER BY from_seq ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.LedgerBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Proof returns the Merkle inclusion proof for a batched event.
func (l *Ledger) Proof(ctx context.Context, tenantID string, seq int64) (EventProof, error) {
	events, err := queryEvents(ctx, l.db,
		`SELECT `+eventColumns+` FROM ledger_events WHERE tenant_id = ? AND seq = ?`, tenantID, seq)
	if err != nil {
		return EventProof{}, err
	}
	if len(events) == 0 {
		return EventProof{}, contracts.Errorf(contracts.KindValidation, "tenant %s has no event %d", tenantID, seq)
	}
	ev := events[0]
	if ev.BatchID == "" {
		return EventProof{}, contracts.Errorf(contracts.KindValidation, "event %d is not batched yet", seq)
	}

	batch, err := scanBatch(l.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM ledger_batches WHERE id = ? AND tenant_id = ?`, ev.BatchID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return EventProof{}, contracts.Errorf(contracts.KindChainIntegrityViolation, "event %d references missing batch %s", seq, ev.BatchID)
	}
	if err != nil {
		return EventProof{}, fmt.Errorf("load batch: %w", err)
	}

	members, err := queryEvents(ctx, l.db,
		`SELECT `+eventColumns+` FROM ledger_events WHERE tenant_id = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`,
		tenantID, batch.FromSeq, batch.ToSeq)
	if err != nil {
		return EventProof{}, err
	}
	tree, err := merkle.Build(batchLeaves(members))
	if err != nil {
		return EventProof{}, err
	}
	if tree.Root != batch.MerkleRoot {
		return EventProof{}, contracts.Errorf(contracts.KindChainIntegrityViolation, "batch %s root no longer matches its events", batch.ID)
	}
	proof, err := tree.Proof(int(seq - batch.FromSeq))
	if err != nil {
		return EventProof{}, err
	}
	return EventProof{Event: ev, Batch: batch, Proof: proof}, nil
}

func (l *Ledger) now() time.Time { return l.clock().UTC().Truncate(time.Microsecond) }
