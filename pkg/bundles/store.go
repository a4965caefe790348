package bundles

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
)

const bundleColumns = `id, tenant_id, version, status, content_hash, byte_size, storage_url, signer_id, signature, metadata, created_at, published_at, activated_at, revoked_at`

func scanBundle(row interface{ Scan(...any) error }) (contracts.PolicyBundle, error) {
	var b contracts.PolicyBundle
	var status string
	var metadata []byte
	var published, activated, revoked sql.NullTime
	if err := row.Scan(&b.ID, &b.TenantID, &b.Version, &status, &b.ContentHash, &b.ByteSize, &b.StorageURL,
		&b.SignerID, &b.Signature, &metadata, &b.CreatedAt, &published, &activated, &revoked); err != nil {
		return contracts.PolicyBundle{}, err
	}
	b.Status = contracts.BundleStatus(status)
	if err := json.Unmarshal(metadata, &b.Metadata); err != nil {
		return contracts.PolicyBundle{}, fmt.Errorf("decode bundle metadata: %w", err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.PublishedAt = nullTime(published)
	b.ActivatedAt = nullTime(activated)
	b.RevokedAt = nullTime(revoked)
	return b, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func getBundle(ctx context.Context, q database.Querier, id string) (contracts.PolicyBundle, error) {
	b, err := scanBundle(q.QueryRowContext(ctx, `SELECT `+bundleColumns+` FROM policy_bundles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.PolicyBundle{}, contracts.Errorf(contracts.KindBundleNotFound, "bundle %s", id)
	}
	if err != nil {
		return contracts.PolicyBundle{}, fmt.Errorf("load bundle: %w", err)
	}
	return b, nil
}

func queryBundles(ctx context.Context, q database.Querier, where string, args ...any) ([]contracts.PolicyBundle, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bundleColumns+` FROM policy_bundles WHERE `+where+` ORDER BY created_at, version`, args...)
	if err != nil {
		return nil, fmt.Errorf("query bundles: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.PolicyBundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bundle: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func insertBundle(ctx context.Context, tx *database.Tx, b contracts.PolicyBundle) error {
	metadata, err := json.Marshal(b.Metadata)
	if err != nil {
		return fmt.Errorf("encode bundle metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_bundles (id, tenant_id, version, status, content_hash, byte_size, storage_url, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TenantID, b.Version, string(b.Status), b.ContentHash, b.ByteSize, b.StorageURL, string(metadata), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bundle: %w", err)
	}
	return nil
}

// transition moves a bundle out of from. It fails if a concurrent writer
// changed the status first.
func transition(ctx context.Context, tx *database.Tx, id string, from, to contracts.BundleStatus, set string, args ...any) error {
	query := `UPDATE policy_bundles SET status = ?`
	if set != "" {
		query += `, ` + set
	}
	query += ` WHERE id = ? AND status = ?`
	all := append([]any{string(to)}, args...)
	all = append(all, id, string(from))
	res, err := tx.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("update bundle status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return contracts.Errorf(contracts.KindInvalidStateTransition, "bundle %s is no longer %s", id, from)
	}
	return nil
}
