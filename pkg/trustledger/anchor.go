package trustledger

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/trustgate/pkg/artifacts"
	"github.com/Mindburn-Labs/trustgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
)

// Anchorer records a batch root somewhere outside the ledger database and
// returns a reference to that record.
type Anchorer interface {
	Anchor(ctx context.Context, batch contracts.LedgerBatch) (string, error)
}

// BatchReceipt is the document an anchor commits to.
type BatchReceipt struct {
	Kind       string `json:"kind"`
	BatchID    string `json:"batch_id"`
	TenantID   string `json:"tenant_id"`
	FromSeq    int64  `json:"from_seq"`
	ToSeq      int64  `json:"to_seq"`
	EventCount int    `json:"event_count"`
	MerkleRoot string `json:"merkle_root"`
	CreatedAt  string `json:"created_at"`
}

func ReceiptFor(b contracts.LedgerBatch) BatchReceipt {
	return BatchReceipt{
		Kind:       "trustgate.ledger.batch.v1",
		BatchID:    b.ID,
		TenantID:   b.TenantID,
		FromSeq:    b.FromSeq,
		ToSeq:      b.ToSeq,
		EventCount: b.EventCount,
		MerkleRoot: b.MerkleRoot,
		CreatedAt:  b.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// StoreAnchorer writes the canonical batch receipt into a content-addressed
// store. The anchor reference is the receipt's cas:// URL.
type StoreAnchorer struct {
	store artifacts.Store
}

func NewStoreAnchorer(store artifacts.Store) *StoreAnchorer {
	return &StoreAnchorer{store: store}
}

func (a *StoreAnchorer) Anchor(ctx context.Context, batch contracts.LedgerBatch) (string, error) {
	doc, err := canonicalize.JCS(ReceiptFor(batch))
	if err != nil {
		return "", fmt.Errorf("canonicalize batch receipt: %w", err)
	}
	ref, err := a.store.Put(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("store batch receipt: %w", err)
	}
	return artifacts.URL(ref), nil
}
