package trustledger

import (
	"context"
	"log/slog"
	"time"
)

// Batcher periodically batches every tenant's un-batched events. It is the
// only background goroutine in the service.
type Batcher struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger
}

func NewBatcher(l *Ledger, interval time.Duration) *Batcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Batcher{
		ledger:   l,
		interval: interval,
		logger:   slog.Default().With("component", "trustledger.batcher"),
	}
}

// Run blocks until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.InfoContext(ctx, "ledger batcher started", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			b.logger.InfoContext(ctx, "ledger batcher stopped")
			return
		case <-ticker.C:
			b.RunOnce(ctx)
		}
	}
}

// RunOnce drains every tenant's pending events and returns the number of
// batches written. Per-tenant failures are logged and skipped.
func (b *Batcher) RunOnce(ctx context.Context) int {
	tenants, err := b.ledger.PendingTenants(ctx)
	if err != nil {
		b.logger.ErrorContext(ctx, "list pending tenants", "error", err)
		return 0
	}
	written := 0
	for _, tenant := range tenants {
		for ctx.Err() == nil {
			batch, err := b.ledger.BatchPending(ctx, tenant)
			if err != nil {
				b.logger.ErrorContext(ctx, "batch pending events", "tenant", tenant, "error", err)
				break
			}
			if batch == nil {
				break
			}
			written++
		}
	}
	return written
}
