package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/trustgate/pkg/database"
)

// Directory answers which tenant a principal belongs to.
type Directory interface {
	TenantOf(ctx context.Context, principalID string) (string, error)
}

// SQLDirectory reads the principals table.
type SQLDirectory struct {
	db    *database.DB
	clock func() time.Time
}

func NewSQLDirectory(db *database.DB) *SQLDirectory {
	return &SQLDirectory{db: db, clock: time.Now}
}

func (d *SQLDirectory) TenantOf(ctx context.Context, principalID string) (string, error) {
	p, err := d.Get(ctx, principalID)
	if err != nil {
		return "", err
	}
	return p.TenantID, nil
}

func (d *SQLDirectory) Get(ctx context.Context, principalID string) (Principal, error) {
	var p Principal
	var kind string
	err := d.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, kind, display_name, created_at FROM principals WHERE id = ?`, principalID,
	).Scan(&p.ID, &p.TenantID, &kind, &p.DisplayName, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, fmt.Errorf("%w: %s", ErrUnknownPrincipal, principalID)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("lookup principal: %w", err)
	}
	p.Kind = PrincipalKind(kind)
	return p, nil
}

// Register inserts or updates a principal. A principal never moves between
// tenants once registered.
func (d *SQLDirectory) Register(ctx context.Context, p Principal) error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.TenantID) == "" {
		return errors.New("principal id and tenant are required")
	}
	if p.Kind == "" {
		p.Kind = PrincipalUser
	}
	return d.db.WithTx(ctx, func(tx *database.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT tenant_id FROM principals WHERE id = ?`, p.ID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO principals (id, tenant_id, kind, display_name, created_at) VALUES (?, ?, ?, ?, ?)`,
				p.ID, p.TenantID, string(p.Kind), p.DisplayName, d.clock().UTC())
			return err
		case err != nil:
			return err
		case existing != p.TenantID:
			return fmt.Errorf("principal %s already belongs to tenant %s", p.ID, existing)
		}
		_, err = tx.ExecContext(ctx, `UPDATE principals SET kind = ?, display_name = ? WHERE id = ?`,
			string(p.Kind), p.DisplayName, p.ID)
		return err
	})
}

// StaticDirectory is an in-memory Directory for tests and single-tenant
// deployments configured from a file.
type StaticDirectory struct {
	mu      sync.RWMutex
	tenants map[string]string
}

func NewStaticDirectory(principals ...Principal) *StaticDirectory {
	d := &StaticDirectory{tenants: make(map[string]string, len(principals))}
	for _, p := range principals {
		d.tenants[p.ID] = p.TenantID
	}
	return d
}

func (d *StaticDirectory) Add(principalID, tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[principalID] = tenantID
}

func (d *StaticDirectory) TenantOf(_ context.Context, principalID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[principalID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrincipal, principalID)
	}
	return t, nil
}
