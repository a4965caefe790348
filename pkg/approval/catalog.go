package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
)

// Catalog stores assurance (LoA) policies keyed by tenant, artifact type and
// level.
type Catalog struct {
	db    *database.DB
	clock func() time.Time
}

func NewCatalog(db *database.DB) *Catalog {
	return &Catalog{db: db, clock: time.Now}
}

const policyColumns = `id, tenant_id, artifact_type, level, min_reviewers, required_facets, external_required, description, is_active, created_at, updated_at`

func scanPolicy(row interface{ Scan(...any) error }) (contracts.AssurancePolicy, error) {
	var p contracts.AssurancePolicy
	var artifactType, facets string
	var level int
	if err := row.Scan(&p.ID, &p.TenantID, &artifactType, &level, &p.MinReviewers, &facets,
		&p.ExternalRequired, &p.Description, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return contracts.AssurancePolicy{}, err
	}
	p.ArtifactType = contracts.ArtifactType(artifactType)
	p.Level = contracts.Level(level)
	parsed, err := contracts.ParseFacetList(facets)
	if err != nil {
		return contracts.AssurancePolicy{}, err
	}
	p.RequiredFacets = parsed
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// Active returns the active policy for (tenant, type, level) or
// PolicyNotFound.
func (c *Catalog) Active(ctx context.Context, q database.Querier, tenantID string, t contracts.ArtifactType, level contracts.Level) (contracts.AssurancePolicy, error) {
	p, err := scanPolicy(q.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM loa_policies WHERE tenant_id = ? AND artifact_type = ? AND level = ? AND is_active = ?`,
		tenantID, string(t), int(level), true))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.AssurancePolicy{}, contracts.Errorf(contracts.KindPolicyNotFound,
			"no active policy for %s at %s in tenant %s", t, level, tenantID)
	}
	if err != nil {
		return contracts.AssurancePolicy{}, fmt.Errorf("load policy: %w", err)
	}
	return p, nil
}

// List returns every policy of a tenant, active or not.
func (c *Catalog) List(ctx context.Context, tenantID string) ([]contracts.AssurancePolicy, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM loa_policies WHERE tenant_id = ? ORDER BY artifact_type, level`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.AssurancePolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// upsert writes p under its composite key, keeping the original id and
// creation time when the key already exists.
func (c *Catalog) upsert(ctx context.Context, tx *database.Tx, p contracts.AssurancePolicy) (contracts.AssurancePolicy, bool, error) {
	if err := tx.Lock(ctx, "loa:"+p.TenantID); err != nil {
		return p, false, err
	}
	now := c.clock().UTC()
	p.RequiredFacets = contracts.FacetSet(p.RequiredFacets)
	facets := contracts.FormatFacets(p.RequiredFacets)

	var id string
	var createdAt time.Time
	err := tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM loa_policies WHERE tenant_id = ? AND artifact_type = ? AND level = ?`,
		p.TenantID, string(p.ArtifactType), int(p.Level),
	).Scan(&id, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.CreatedAt, p.UpdatedAt = now, now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO loa_policies (`+policyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.TenantID, string(p.ArtifactType), int(p.Level), p.MinReviewers, facets,
			p.ExternalRequired, p.Description, p.IsActive, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return p, false, fmt.Errorf("insert policy: %w", err)
		}
		return p, true, nil
	case err != nil:
		return p, false, fmt.Errorf("load policy: %w", err)
	}

	p.ID = id
	p.CreatedAt = createdAt.UTC()
	p.UpdatedAt = now
	_, err = tx.ExecContext(ctx, `
		UPDATE loa_policies
		SET min_reviewers = ?, required_facets = ?, external_required = ?, description = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		p.MinReviewers, facets, p.ExternalRequired, p.Description, p.IsActive, p.UpdatedAt, p.ID)
	if err != nil {
		return p, false, fmt.Errorf("update policy: %w", err)
	}
	return p, false, nil
}
