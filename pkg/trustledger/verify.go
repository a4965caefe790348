package trustledger

import (
	"context"

	"github.com/Mindburn-Labs/trustgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/observability"
)

// ChainReport summarises a verified chain.
type ChainReport struct {
	TenantID string `json:"tenant_id"`
	Events   int    `json:"events"`
	HeadSeq  int64  `json:"head_seq"`
	HeadHash string `json:"head_hash"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain recomputes every content and chain hash of a tenant's chain.
// On the first mismatch it returns the partial report and a
// ChainIntegrityViolation error.
func (l *Ledger) VerifyChain(ctx context.Context, tenantID string) (report ChainReport, err error) {
	ctx, done := l.obs.TrackOperation(ctx, "trustledger.verify", observability.Tenant(tenantID))
	defer func() { done(err) }()

	events, err := l.Events(ctx, tenantID, Filter{})
	if err != nil {
		return ChainReport{}, err
	}
	report = ChainReport{TenantID: tenantID, HeadHash: contracts.GenesisHash}
	if reason, seq := verifyEvents(events); reason != "" {
		report.BrokenAt = seq
		report.Reason = reason
		l.logger.ErrorContext(ctx, "ledger chain integrity violation", "tenant", tenantID, "seq", seq, "reason", reason)
		return report, contracts.Errorf(contracts.KindChainIntegrityViolation, "tenant %s seq %d: %s", tenantID, seq, reason)
	}
	report.Valid = true
	report.Events = len(events)
	if n := len(events); n > 0 {
		report.HeadSeq = events[n-1].Seq
		report.HeadHash = events[n-1].ChainHash
	}
	return report, nil
}

// verifyEvents walks an ordered chain and returns the first broken link.
func verifyEvents(events []contracts.LedgerEvent) (reason string, seq int64) {
	prev := contracts.GenesisHash
	for i, ev := range events {
		want := int64(i + 1)
		switch {
		case ev.Seq != want:
			return "sequence gap", want
		case ev.PrevHash != prev:
			return "prev_hash does not match predecessor", ev.Seq
		}
		canonical, err := canonicalize.JCS(ev.Payload)
		if err != nil {
			return "payload is not valid JSON", ev.Seq
		}
		if canonicalize.HashBytes(canonical) != ev.ContentHash {
			return "content_hash mismatch", ev.Seq
		}
		h, err := chainHash(ev)
		if err != nil || h != ev.ChainHash {
			return "chain_hash mismatch", ev.Seq
		}
		prev = ev.ChainHash
	}
	return "", 0
}
