// Package gateway issues short-lived, signed capability tokens for approved
// artifacts and answers whether a presented token may be used. Every
// authorization answer is read from the stored token record, never from the
// token payload alone.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
	"github.com/Mindburn-Labs/trustgate/pkg/identity"
	"github.com/Mindburn-Labs/trustgate/pkg/observability"
	"github.com/Mindburn-Labs/trustgate/pkg/trustledger"
)

const (
	DefaultTTL    = 900 * time.Second
	DefaultMaxTTL = 24 * time.Hour
)

// ApprovalChecker gates issuance on artifact approval.
type ApprovalChecker interface {
	RequireApproved(ctx context.Context, tenantID string, ref contracts.ArtifactRef) (contracts.ApprovalResolution, error)
}

// BundleResolver reports a tenant's ACTIVE bundle version.
type BundleResolver interface {
	ActiveVersion(ctx context.Context, tenantID string) (string, error)
}

// IssueRequest asks for a capability token. A zero TTL means DefaultTTL.
type IssueRequest struct {
	TenantID      string                `json:"tenant_id"`
	Artifact      contracts.ArtifactRef `json:"artifact"`
	Level         contracts.Level       `json:"level"`
	Scope         []string              `json:"scope"`
	BundleVersion string                `json:"bundle_version,omitempty"`
	IssuerID      string                `json:"issuer_id"`
	HolderID      string                `json:"holder_id,omitempty"`
	TTL           time.Duration         `json:"-"`
}

type Service struct {
	db        *database.DB
	ledger    *trustledger.Ledger
	approvals ApprovalChecker
	directory identity.Directory
	signer    TokenSigner
	bundles   BundleResolver
	maxTTL    time.Duration
	clock     func() time.Time
	obs       *observability.Provider
	logger    *slog.Logger
}

type Option func(*Service)

// WithMaxTTL caps the lifetime a caller may request.
func WithMaxTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxTTL = d
		}
	}
}

// WithActiveBundleBinding requires a token's bundle version to be the
// tenant's ACTIVE bundle. An empty version is bound to the active one.
func WithActiveBundleBinding(r BundleResolver) Option {
	return func(s *Service) { s.bundles = r }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

func NewService(db *database.DB, ledger *trustledger.Ledger, approvals ApprovalChecker, directory identity.Directory,
	signer TokenSigner, opts ...Option) *Service {
	s := &Service{
		db:        db,
		ledger:    ledger,
		approvals: approvals,
		directory: directory,
		signer:    signer,
		maxTTL:    DefaultMaxTTL,
		clock:     time.Now,
		obs:       observability.Disabled(),
		logger:    slog.Default().With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) parserOptions() []jwt.ParserOption {
	return []jwt.ParserOption{
		jwt.WithTimeFunc(s.clock),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
}

func normalizeScope(scope []string) []string {
	seen := make(map[string]struct{}, len(scope))
	out := make([]string, 0, len(scope))
	for _, sc := range scope {
		sc = strings.TrimSpace(sc)
		if sc == "" {
			continue
		}
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}

func (s *Service) validate(req *IssueRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return contracts.Errorf(contracts.KindValidation, "tenant id is required")
	}
	if err := req.Artifact.Validate(); err != nil {
		return err
	}
	if !req.Level.Valid() {
		return contracts.Errorf(contracts.KindValidation, "assurance level %d out of range", int(req.Level))
	}
	if strings.TrimSpace(req.IssuerID) == "" {
		return contracts.Errorf(contracts.KindValidation, "issuer id is required")
	}
	req.Scope = normalizeScope(req.Scope)
	if len(req.Scope) == 0 {
		return contracts.Errorf(contracts.KindValidation, "scope must not be empty")
	}
	switch {
	case req.TTL == 0:
		req.TTL = DefaultTTL
	case req.TTL < time.Second:
		return contracts.Errorf(contracts.KindValidation, "ttl must be at least one second")
	case req.TTL > s.maxTTL:
		return contracts.Errorf(contracts.KindValidation, "ttl %s exceeds maximum %s", req.TTL, s.maxTTL)
	}
	return nil
}

func (s *Service) checkIssuer(ctx context.Context, tenantID, issuerID string) error {
	owner, err := s.directory.TenantOf(ctx, issuerID)
	if errors.Is(err, identity.ErrUnknownPrincipal) {
		return contracts.Wrap(contracts.KindIssuerOrgMismatch, err, "issuer is not a known principal")
	}
	if err != nil {
		return fmt.Errorf("resolve issuer: %w", err)
	}
	if owner != tenantID {
		return contracts.Errorf(contracts.KindIssuerOrgMismatch, "issuer %s does not belong to tenant %s", issuerID, tenantID)
	}
	return nil
}

func (s *Service) bindBundle(ctx context.Context, req *IssueRequest) error {
	if s.bundles == nil {
		return nil
	}
	active, err := s.bundles.ActiveVersion(ctx, req.TenantID)
	if contracts.KindOf(err) == contracts.KindBundleNotFound {
		if req.BundleVersion == "" {
			return nil
		}
		return contracts.Wrap(contracts.KindValidation, err, "tenant has no active bundle")
	}
	if err != nil {
		return err
	}
	if req.BundleVersion == "" {
		req.BundleVersion = active
		return nil
	}
	if req.BundleVersion != active {
		return contracts.Errorf(contracts.KindValidation, "bundle version %s is not the active version %s", req.BundleVersion, active)
	}
	return nil
}

// Issue mints a capability token for an approved artifact.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (out contracts.IssuedToken, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "gateway.issue", observability.Tenant(req.TenantID), attribute.String("artifact_type", string(req.Artifact.Type)))
	defer func() { done(err) }()

	if err := s.validate(&req); err != nil {
		return out, err
	}
	if err := s.checkIssuer(ctx, req.TenantID, req.IssuerID); err != nil {
		return out, err
	}
	if _, err := s.approvals.RequireApproved(ctx, req.TenantID, req.Artifact); err != nil {
		return out, err
	}
	if err := s.bindBundle(ctx, &req); err != nil {
		return out, err
	}

	// JWT times have second resolution; the record matches the claims.
	now := s.clock().UTC().Truncate(time.Second)
	record := contracts.GatewayToken{
		TokenID:       uuid.NewString(),
		TenantID:      req.TenantID,
		Artifact:      req.Artifact,
		Level:         req.Level,
		Scope:         req.Scope,
		BundleVersion: req.BundleVersion,
		IssuedAt:      now,
		ExpiresAt:     now.Add(req.TTL),
		IssuerID:      req.IssuerID,
		HolderID:      req.HolderID,
	}
	token, err := s.signer.Sign(ctx, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        record.TokenID,
			Subject:   record.Artifact.ID,
			Issuer:    record.IssuerID,
			IssuedAt:  jwt.NewNumericDate(record.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
		},
		Level:        int(record.Level),
		Scope:        record.Scope,
		Bundle:       record.BundleVersion,
		Org:          record.TenantID,
		ArtifactType: string(record.Artifact.Type),
	})
	if err != nil {
		return out, fmt.Errorf("sign token: %w", err)
	}

	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := insertToken(ctx, tx, record); err != nil {
			return err
		}
		_, err := s.ledger.Append(ctx, tx, trustledger.Entry{
			TenantID:     record.TenantID,
			ArtifactType: contracts.SubjectGatewayToken,
			ArtifactID:   record.TokenID,
			Action:       contracts.ActionTokenIssued,
			Payload: map[string]any{
				"artifact":       record.Artifact,
				"level":          record.Level.String(),
				"scope":          record.Scope,
				"bundle_version": record.BundleVersion,
				"issuer_id":      record.IssuerID,
				"holder_id":      record.HolderID,
				"expires_at":     record.ExpiresAt.Format(time.RFC3339),
			},
		})
		return err
	})
	if err != nil {
		return contracts.IssuedToken{}, err
	}
	s.logger.InfoContext(ctx, "token issued",
		"tenant", record.TenantID, "token_id", record.TokenID, "artifact", record.Artifact.String(),
		"level", record.Level.String(), "expires_at", record.ExpiresAt)
	return contracts.IssuedToken{Token: token, TokenID: record.TokenID, ExpiresAt: record.ExpiresAt}, nil
}

// Revoke marks a token revoked. Only the owning tenant may revoke it.
func (s *Service) Revoke(ctx context.Context, tokenID, tenantID string) (t contracts.GatewayToken, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "gateway.revoke", observability.Tenant(tenantID))
	defer func() { done(err) }()

	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if t, err = getToken(ctx, tx, tokenID); err != nil {
			return err
		}
		if t.TenantID != tenantID {
			return contracts.Errorf(contracts.KindTokenOrgMismatch, "token %s belongs to another tenant", tokenID)
		}
		if t.Revoked() {
			return contracts.Errorf(contracts.KindAlreadyRevoked, "token %s is already revoked", tokenID)
		}
		now := s.clock().UTC().Truncate(time.Microsecond)
		res, err := tx.ExecContext(ctx, `UPDATE gateway_tokens SET revoked_at = ? WHERE token_id = ? AND revoked_at IS NULL`, now, tokenID)
		if err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return contracts.Errorf(contracts.KindAlreadyRevoked, "token %s is already revoked", tokenID)
		}
		t.RevokedAt = &now
		_, err = s.ledger.Append(ctx, tx, trustledger.Entry{
			TenantID:     t.TenantID,
			ArtifactType: contracts.SubjectGatewayToken,
			ArtifactID:   t.TokenID,
			Action:       contracts.ActionTokenRevoked,
			Payload: map[string]any{
				"artifact":  t.Artifact,
				"holder_id": t.HolderID,
			},
		})
		return err
	})
	if err != nil {
		return contracts.GatewayToken{}, err
	}
	s.logger.InfoContext(ctx, "token revoked", "tenant", tenantID, "token_id", tokenID)
	return t, nil
}

// Introspect never fails: anything it cannot vouch for is reported invalid.
func (s *Service) Introspect(ctx context.Context, token string) contracts.Introspection {
	ctx, done := s.obs.TrackOperation(ctx, "gateway.introspect")
	defer done(nil)

	claims, err := s.signer.Parse(token, s.parserOptions()...)
	if err != nil {
		s.logger.DebugContext(ctx, "token rejected", "error", err)
		return contracts.Introspection{}
	}
	record, err := getToken(ctx, s.db, claims.ID)
	if contracts.KindOf(err) == contracts.KindTokenNotFound {
		return contracts.Introspection{Revoked: true}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "token lookup failed; failing closed", "token_id", claims.ID, "error", err)
		return contracts.Introspection{}
	}
	if record.TenantID != claims.Org {
		s.logger.WarnContext(ctx, "token tenant does not match its record", "token_id", claims.ID)
		return contracts.Introspection{}
	}
	now := s.clock()
	return contracts.Introspection{
		Valid:         !record.Revoked() && now.Before(record.ExpiresAt),
		Revoked:       record.Revoked(),
		TokenID:       record.TokenID,
		TenantID:      record.TenantID,
		Artifact:      record.Artifact,
		Level:         record.Level,
		Scope:         record.Scope,
		BundleVersion: record.BundleVersion,
		IssuedAt:      record.IssuedAt,
		ExpiresAt:     record.ExpiresAt,
		Issuer:        record.IssuerID,
		Holder:        record.HolderID,
	}
}

// ValidateForAccess reports whether token is valid, grants requiredScope and
// carries at least requiredLevel.
func (s *Service) ValidateForAccess(ctx context.Context, token, requiredScope string, requiredLevel contracts.Level) bool {
	i := s.Introspect(ctx, token)
	return i.Valid && i.HasScope(requiredScope) && i.Level >= requiredLevel
}

// Get returns a token record visible to tenantID.
func (s *Service) Get(ctx context.Context, tenantID, tokenID string) (contracts.GatewayToken, error) {
	t, err := getToken(ctx, s.db, tokenID)
	if err != nil {
		return t, err
	}
	if t.TenantID != tenantID {
		return contracts.GatewayToken{}, contracts.Errorf(contracts.KindTokenNotFound, "token %s", tokenID)
	}
	return t, nil
}

// ActiveCount counts the tenant's unrevoked, unexpired tokens.
func (s *Service) ActiveCount(ctx context.Context, tenantID string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT expires_at FROM gateway_tokens WHERE tenant_id = ? AND revoked_at IS NULL`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()
	now := s.clock()
	n := 0
	for rows.Next() {
		var exp time.Time
		if err := rows.Scan(&exp); err != nil {
			return 0, fmt.Errorf("scan token expiry: %w", err)
		}
		if now.Before(exp) {
			n++
		}
	}
	return n, rows.Err()
}
