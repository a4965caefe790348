package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
)

// ArtifactStatusWriter writes the cached approval status of one artifact
// kind. It reports whether the stored value changed so resolution can stay
// free of duplicate side effects.
type ArtifactStatusWriter interface {
	WriteStatus(ctx context.Context, tx *database.Tx, tenantID string, ref contracts.ArtifactRef, status contracts.ApprovalStatus) (changed bool, err error)
}

// StatusWriters dispatches on artifact type, falling back to a default
// writer for kinds with no dedicated table.
type StatusWriters struct {
	mu       sync.RWMutex
	byType   map[contracts.ArtifactType]ArtifactStatusWriter
	fallback ArtifactStatusWriter
}

func NewStatusWriters(fallback ArtifactStatusWriter) *StatusWriters {
	return &StatusWriters{byType: make(map[contracts.ArtifactType]ArtifactStatusWriter), fallback: fallback}
}

func (s *StatusWriters) Register(t contracts.ArtifactType, w ArtifactStatusWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byType[t] = w
}

func (s *StatusWriters) For(t contracts.ArtifactType) ArtifactStatusWriter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.byType[t]; ok {
		return w
	}
	return s.fallback
}

// CacheStatusWriter keeps statuses in the artifact_approval_status table.
type CacheStatusWriter struct {
	clock func() time.Time
}

func NewCacheStatusWriter() *CacheStatusWriter {
	return &CacheStatusWriter{clock: time.Now}
}

func (w *CacheStatusWriter) WriteStatus(ctx context.Context, tx *database.Tx, tenantID string, ref contracts.ArtifactRef, status contracts.ApprovalStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO artifact_approval_status (tenant_id, artifact_type, artifact_id, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, artifact_type, artifact_id)
		DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
		WHERE artifact_approval_status.status <> excluded.status`,
		tenantID, string(ref.Type), ref.ID, string(status), w.clock().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("write approval status cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Status reads the cached value; ok is false when nothing is cached.
func (w *CacheStatusWriter) Status(ctx context.Context, q database.Querier, tenantID string, ref contracts.ArtifactRef) (contracts.ApprovalStatus, bool, error) {
	var s string
	err := q.QueryRowContext(ctx,
		`SELECT status FROM artifact_approval_status WHERE tenant_id = ? AND artifact_type = ? AND artifact_id = ?`,
		tenantID, string(ref.Type), ref.ID,
	).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return contracts.ApprovalStatus(s), true, nil
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ColumnStatusWriter updates the status column of an artifact's own table,
// e.g. role_agents.approval_status.
type ColumnStatusWriter struct {
	table        string
	idColumn     string
	tenantColumn string
	statusColumn string
}

func NewColumnStatusWriter(table, idColumn, tenantColumn, statusColumn string) (*ColumnStatusWriter, error) {
	for _, name := range []string{table, idColumn, tenantColumn, statusColumn} {
		if !identifier.MatchString(name) {
			return nil, fmt.Errorf("invalid SQL identifier %q", name)
		}
	}
	return &ColumnStatusWriter{table: table, idColumn: idColumn, tenantColumn: tenantColumn, statusColumn: statusColumn}, nil
}

func (w *ColumnStatusWriter) WriteStatus(ctx context.Context, tx *database.Tx, tenantID string, ref contracts.ArtifactRef, status contracts.ApprovalStatus) (bool, error) {
	//nolint:gosec // identifiers are validated in the constructor
	query := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ? AND %s = ? AND (%s IS NULL OR %s <> ?)`,
		w.table, w.statusColumn, w.idColumn, w.tenantColumn, w.statusColumn, w.statusColumn)
	res, err := tx.ExecContext(ctx, query, string(status), ref.ID, tenantID, string(status))
	if err != nil {
		return false, fmt.Errorf("write %s.%s: %w", w.table, w.statusColumn, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
