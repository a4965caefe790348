// Package bundles compiles approved artifacts, policies and controls into
// versioned Rego bundles and drives them through
// DRAFT -> PUBLISHED -> ACTIVE, with REVOKED reachable from any live state.
// At most one bundle per tenant is ACTIVE.
package bundles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/trustgate/pkg/artifacts"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
	"github.com/Mindburn-Labs/trustgate/pkg/identity"
	"github.com/Mindburn-Labs/trustgate/pkg/observability"
	"github.com/Mindburn-Labs/trustgate/pkg/trustledger"
)

// ApprovalChecker reports whether an artifact may enter a bundle.
type ApprovalChecker interface {
	RequireApproved(ctx context.Context, tenantID string, ref contracts.ArtifactRef) (contracts.ApprovalResolution, error)
}

const signaturePrefixLen = 16

type Service struct {
	db        *database.DB
	ledger    *trustledger.Ledger
	approvals ApprovalChecker
	store     artifacts.Store
	signer    BundleSigner
	directory identity.Directory
	bypass    bool
	clock     func() time.Time
	obs       *observability.Provider
	logger    *slog.Logger
}

type Option func(*Service)

// WithUnsafeApprovalBypass compiles bundles without checking artifact
// approval. Test and staging only.
func WithUnsafeApprovalBypass() Option {
	return func(s *Service) { s.bypass = true }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

func NewService(db *database.DB, ledger *trustledger.Ledger, approvals ApprovalChecker, store artifacts.Store,
	signer BundleSigner, directory identity.Directory, opts ...Option) *Service {
	s := &Service{
		db:        db,
		ledger:    ledger,
		approvals: approvals,
		store:     store,
		signer:    signer,
		directory: directory,
		clock:     time.Now,
		obs:       observability.Disabled(),
		logger:    slog.Default().With("component", "bundles"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bypass {
		s.logger.Warn("UNSAFE: bundle compilation will skip artifact approval checks")
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

func tenantLockKey(tenantID string) string { return "bundles:" + tenantID }

// Compile freezes req into a new DRAFT bundle.
func (s *Service) Compile(ctx context.Context, req CompileRequest) (b contracts.PolicyBundle, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "bundles.compile", observability.Tenant(req.TenantID))
	defer func() { done(err) }()

	req, err = normalize(req)
	if err != nil {
		return contracts.PolicyBundle{}, err
	}
	if s.bypass {
		s.logger.WarnContext(ctx, "UNSAFE: compiling bundle without approval checks",
			"tenant", req.TenantID, "version", req.Version, "artifacts", len(req.Artifacts))
	} else {
		for _, a := range req.Artifacts {
			if _, err := s.approvals.RequireApproved(ctx, req.TenantID, a); err != nil {
				return contracts.PolicyBundle{}, err
			}
		}
	}

	content := render(req)
	if err := checkDefaultDeny(ctx, content); err != nil {
		return contracts.PolicyBundle{}, err
	}
	ref, err := s.store.Put(ctx, content)
	if err != nil {
		return contracts.PolicyBundle{}, fmt.Errorf("store bundle content: %w", err)
	}

	now := s.now()
	b = contracts.PolicyBundle{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		Version:     req.Version,
		Status:      contracts.BundleDraft,
		ContentHash: artifacts.Digest(content),
		ByteSize:    int64(len(content)),
		StorageURL:  artifacts.URL(ref),
		Metadata: contracts.BundleMetadata{
			Artifacts:  req.Artifacts,
			Policies:   req.Policies,
			Controls:   req.Controls,
			CompiledAt: now,
			Compiler:   compilerName,
		},
		CreatedAt: now,
	}

	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := insertBundle(ctx, tx, b); err != nil {
			return err
		}
		_, err := s.ledger.Append(ctx, tx, trustledger.Entry{
			TenantID:     b.TenantID,
			ArtifactType: contracts.SubjectPolicyBundle,
			ArtifactID:   b.ID,
			Action:       contracts.ActionBundleCompiled,
			Payload: map[string]any{
				"version":      b.Version,
				"content_hash": b.ContentHash,
				"byte_size":    b.ByteSize,
				"storage_url":  b.StorageURL,
				"artifacts":    len(req.Artifacts),
				"policies":     len(req.Policies),
				"controls":     len(req.Controls),
				"unsafe":       s.bypass,
			},
		})
		return err
	})
	if err != nil {
		return contracts.PolicyBundle{}, err
	}
	s.logger.InfoContext(ctx, "bundle compiled", "tenant", b.TenantID, "bundle_id", b.ID, "version", b.Version, "content_hash", b.ContentHash)
	return b, nil
}

// Publish signs a DRAFT bundle on behalf of signerID.
func (s *Service) Publish(ctx context.Context, bundleID, signerID string) (b contracts.PolicyBundle, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "bundles.publish", attribute.String("bundle_id", bundleID))
	defer func() { done(err) }()

	if strings.TrimSpace(signerID) == "" {
		return contracts.PolicyBundle{}, contracts.Errorf(contracts.KindValidation, "signer id is required")
	}
	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if b, err = s.lockBundle(ctx, tx, bundleID); err != nil {
			return err
		}
		if !b.Status.CanTransitionTo(contracts.BundlePublished) {
			return contracts.Errorf(contracts.KindInvalidStateTransition, "cannot publish %s bundle %s", b.Status, b.ID)
		}
		if err := s.checkSigner(ctx, b.TenantID, signerID); err != nil {
			return err
		}
		now := s.now()
		sig, err := s.signer.Sign(signingPayload(b.ContentHash, signerID, now))
		if err != nil {
			return fmt.Errorf("sign bundle: %w", err)
		}
		if err := transition(ctx, tx, b.ID, contracts.BundleDraft, contracts.BundlePublished,
			`signer_id = ?, signature = ?, published_at = ?`, signerID, sig, now); err != nil {
			return err
		}
		b.Status, b.SignerID, b.Signature, b.PublishedAt = contracts.BundlePublished, signerID, sig, &now
		_, err = s.ledger.Append(ctx, tx, trustledger.Entry{
			TenantID:     b.TenantID,
			ArtifactType: contracts.SubjectPolicyBundle,
			ArtifactID:   b.ID,
			Action:       contracts.ActionBundlePublished,
			Payload: map[string]any{
				"version":          b.Version,
				"content_hash":     b.ContentHash,
				"signer_id":        signerID,
				"signature_prefix": prefix(sig, signaturePrefixLen),
			},
		})
		return err
	})
	if err != nil {
		return contracts.PolicyBundle{}, err
	}
	s.logger.InfoContext(ctx, "bundle published", "tenant", b.TenantID, "bundle_id", b.ID, "signer", signerID)
	return b, nil
}

func (s *Service) checkSigner(ctx context.Context, tenantID, signerID string) error {
	owner, err := s.directory.TenantOf(ctx, signerID)
	if errors.Is(err, identity.ErrUnknownPrincipal) {
		return contracts.Wrap(contracts.KindValidation, err, "signer is not a known principal")
	}
	if err != nil {
		return fmt.Errorf("resolve signer: %w", err)
	}
	if owner != tenantID {
		return contracts.Errorf(contracts.KindValidation, "signer %s does not belong to tenant %s", signerID, tenantID)
	}
	return nil
}

// Activate makes a PUBLISHED bundle the tenant's only ACTIVE bundle,
// revoking whichever bundle it supersedes.
func (s *Service) Activate(ctx context.Context, bundleID string) (b contracts.PolicyBundle, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "bundles.activate", attribute.String("bundle_id", bundleID))
	defer func() { done(err) }()

	var superseded []string
	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if b, err = s.lockBundle(ctx, tx, bundleID); err != nil {
			return err
		}
		if !b.Status.CanTransitionTo(contracts.BundleActive) {
			return contracts.Errorf(contracts.KindInvalidStateTransition, "cannot activate %s bundle %s", b.Status, b.ID)
		}
		active, err := queryBundles(ctx, tx, `tenant_id = ? AND status = ?`, b.TenantID, string(contracts.BundleActive))
		if err != nil {
			return err
		}
		now := s.now()
		for _, prev := range active {
			if err := s.revokeTx(ctx, tx, prev, now, map[string]any{"reason": "superseded", "superseded_by": b.ID}); err != nil {
				return err
			}
			superseded = append(superseded, prev.ID)
		}
		if err := transition(ctx, tx, b.ID, contracts.BundlePublished, contracts.BundleActive, `activated_at = ?`, now); err != nil {
			return err
		}
		b.Status, b.ActivatedAt = contracts.BundleActive, &now
		_, err = s.ledger.Append(ctx, tx, trustledger.Entry{
			TenantID:     b.TenantID,
			ArtifactType: contracts.SubjectPolicyBundle,
			ArtifactID:   b.ID,
			Action:       contracts.ActionBundleActivated,
			Payload: map[string]any{
				"version":      b.Version,
				"content_hash": b.ContentHash,
				"superseded":   nonNil(superseded),
			},
		})
		return err
	})
	if err != nil {
		return contracts.PolicyBundle{}, err
	}
	s.logger.InfoContext(ctx, "bundle activated", "tenant", b.TenantID, "bundle_id", b.ID, "version", b.Version, "superseded", superseded)
	return b, nil
}

// Revoke retires a bundle permanently.
func (s *Service) Revoke(ctx context.Context, bundleID string) (b contracts.PolicyBundle, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "bundles.revoke", attribute.String("bundle_id", bundleID))
	defer func() { done(err) }()

	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if b, err = s.lockBundle(ctx, tx, bundleID); err != nil {
			return err
		}
		if b.Status == contracts.BundleRevoked {
			return contracts.Errorf(contracts.KindAlreadyRevoked, "bundle %s is already revoked", b.ID)
		}
		now := s.now()
		if err := s.revokeTx(ctx, tx, b, now, map[string]any{"reason": "revoked"}); err != nil {
			return err
		}
		b.Status, b.RevokedAt = contracts.BundleRevoked, &now
		return nil
	})
	if err != nil {
		return contracts.PolicyBundle{}, err
	}
	s.logger.InfoContext(ctx, "bundle revoked", "tenant", b.TenantID, "bundle_id", b.ID)
	return b, nil
}

func (s *Service) revokeTx(ctx context.Context, tx *database.Tx, b contracts.PolicyBundle, now time.Time, payload map[string]any) error {
	if err := transition(ctx, tx, b.ID, b.Status, contracts.BundleRevoked, `revoked_at = ?`, now); err != nil {
		return err
	}
	payload["version"] = b.Version
	payload["previous_status"] = b.Status
	_, err := s.ledger.Append(ctx, tx, trustledger.Entry{
		TenantID:     b.TenantID,
		ArtifactType: contracts.SubjectPolicyBundle,
		ArtifactID:   b.ID,
		Action:       contracts.ActionBundleRevoked,
		Payload:      payload,
	})
	return err
}

// lockBundle loads a bundle, takes its tenant's lock and reloads it so the
// returned status is current.
func (s *Service) lockBundle(ctx context.Context, tx *database.Tx, bundleID string) (contracts.PolicyBundle, error) {
	b, err := getBundle(ctx, tx, bundleID)
	if err != nil {
		return b, err
	}
	if err := tx.Lock(ctx, tenantLockKey(b.TenantID)); err != nil {
		return b, err
	}
	return getBundle(ctx, tx, bundleID)
}

func (s *Service) Get(ctx context.Context, bundleID string) (contracts.PolicyBundle, error) {
	return getBundle(ctx, s.db, bundleID)
}

func (s *Service) List(ctx context.Context, tenantID string) ([]contracts.PolicyBundle, error) {
	return queryBundles(ctx, s.db, `tenant_id = ?`, tenantID)
}

// Active returns the tenant's ACTIVE bundle or BundleNotFound.
func (s *Service) Active(ctx context.Context, tenantID string) (contracts.PolicyBundle, error) {
	active, err := queryBundles(ctx, s.db, `tenant_id = ? AND status = ?`, tenantID, string(contracts.BundleActive))
	if err != nil {
		return contracts.PolicyBundle{}, err
	}
	if len(active) == 0 {
		return contracts.PolicyBundle{}, contracts.Errorf(contracts.KindBundleNotFound, "tenant %s has no active bundle", tenantID)
	}
	return active[0], nil
}

// ActiveVersion satisfies the gateway's bundle binding lookup.
func (s *Service) ActiveVersion(ctx context.Context, tenantID string) (string, error) {
	b, err := s.Active(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return b.Version, nil
}

// Content reads a bundle's Rego module back from the content store and
// checks it against the recorded hash.
func (s *Service) Content(ctx context.Context, bundleID string) ([]byte, error) {
	b, err := s.Get(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	ref, err := artifacts.ParseURL(b.StorageURL)
	if err != nil {
		return nil, fmt.Errorf("bundle %s storage url: %w", b.ID, err)
	}
	data, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("read bundle content: %w", err)
	}
	if artifacts.Digest(data) != b.ContentHash {
		return nil, contracts.Errorf(contracts.KindChainIntegrityViolation, "bundle %s content does not match its hash", b.ID)
	}
	return data, nil
}

// VerifySignature checks the stored signature of a published bundle.
func (s *Service) VerifySignature(ctx context.Context, bundleID string) (bool, error) {
	b, err := s.Get(ctx, bundleID)
	if err != nil {
		return false, err
	}
	if b.Signature == "" || b.PublishedAt == nil {
		return false, contracts.Errorf(contracts.KindValidation, "bundle %s is not signed", b.ID)
	}
	return s.signer.Verify(signingPayload(b.ContentHash, b.SignerID, *b.PublishedAt), b.Signature)
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
