package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
)

const tokenColumns = `token_id, tenant_id, artifact_type, artifact_id, level, scope, bundle_version, issued_at, expires_at, issuer_id, holder_id, revoked_at`

func scanToken(row interface{ Scan(...any) error }) (contracts.GatewayToken, error) {
	var t contracts.GatewayToken
	var artifactType string
	var level int
	var scope []byte
	var revoked sql.NullTime
	if err := row.Scan(&t.TokenID, &t.TenantID, &artifactType, &t.Artifact.ID, &level, &scope, &t.BundleVersion,
		&t.IssuedAt, &t.ExpiresAt, &t.IssuerID, &t.HolderID, &revoked); err != nil {
		return contracts.GatewayToken{}, err
	}
	t.Artifact.Type = contracts.ArtifactType(artifactType)
	t.Level = contracts.Level(level)
	if err := json.Unmarshal(scope, &t.Scope); err != nil {
		return contracts.GatewayToken{}, fmt.Errorf("decode token scope: %w", err)
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	if revoked.Valid {
		r := revoked.Time.UTC()
		t.RevokedAt = &r
	}
	return t, nil
}

func getToken(ctx context.Context, q database.Querier, tokenID string) (contracts.GatewayToken, error) {
	t, err := scanToken(q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM gateway_tokens WHERE token_id = ?`, tokenID))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.GatewayToken{}, contracts.Errorf(contracts.KindTokenNotFound, "token %s", tokenID)
	}
	if err != nil {
		return contracts.GatewayToken{}, fmt.Errorf("load token: %w", err)
	}
	return t, nil
}

func insertToken(ctx context.Context, tx *database.Tx, t contracts.GatewayToken) error {
	scope, err := json.Marshal(t.Scope)
	if err != nil {
		return fmt.Errorf("encode token scope: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO gateway_tokens (token_id, tenant_id, artifact_type, artifact_id, level, scope, bundle_version, issued_at, expires_at, issuer_id, holder_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.TenantID, string(t.Artifact.Type), t.Artifact.ID, int(t.Level), string(scope), t.BundleVersion,
		t.IssuedAt, t.ExpiresAt, t.IssuerID, t.HolderID)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}
