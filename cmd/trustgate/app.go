package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/trustgate/pkg/approval"
	"github.com/Mindburn-Labs/trustgate/pkg/artifacts"
	"github.com/Mindburn-Labs/trustgate/pkg/bundles"
	"github.com/Mindburn-Labs/trustgate/pkg/config"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
	"github.com/Mindburn-Labs/trustgate/pkg/gateway"
	"github.com/Mindburn-Labs/trustgate/pkg/identity"
	"github.com/Mindburn-Labs/trustgate/pkg/observability"
	"github.com/Mindburn-Labs/trustgate/pkg/ratelimit"
	"github.com/Mindburn-Labs/trustgate/pkg/trustledger"
)

// app holds every wired service of one process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *database.DB
	store     artifacts.Store
	obs       *observability.Provider
	ledger    *trustledger.Ledger
	directory *identity.SQLDirectory
	approvals *approval.Engine
	bundles   *bundles.Service
	tokens    *gateway.Service
	limiter   ratelimit.Limiter
	redis     *redis.Client
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// openDB opens and migrates the configured database.
func openDB(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	if d, _ := database.ParseDialect(cfg.DatabaseDriver); d == database.SQLite && cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// newApp wires the full service graph. withLimiter controls whether a rate
// limiter (and so possibly a Redis connection) is built.
func newApp(ctx context.Context, cfg *config.Config, withLimiter bool) (_ *app, err error) {
	a := &app{cfg: cfg, logger: slog.Default().With("component", "trustgate")}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if a.db, err = openDB(ctx, cfg); err != nil {
		return nil, err
	}
	if a.store, err = artifacts.Open(ctx, cfg.Artifacts()); err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	if a.obs, err = observability.New(ctx, cfg.Observability()); err != nil {
		return nil, err
	}

	ledgerOpts := []trustledger.Option{
		trustledger.WithObservability(a.obs),
		trustledger.WithMaxBatchSize(cfg.LedgerMaxBatch),
	}
	if cfg.AnchorBatches {
		ledgerOpts = append(ledgerOpts, trustledger.WithAnchorer(trustledger.NewStoreAnchorer(a.store)))
	}
	a.ledger = trustledger.New(a.db, ledgerOpts...)
	a.directory = identity.NewSQLDirectory(a.db)
	approvalOpts := []approval.Option{
		approval.WithMinReviewerGate(cfg.MinReviewerGate),
		approval.WithObservability(a.obs),
	}
	statusCols, err := cfg.StatusColumnMappings()
	if err != nil {
		return nil, err
	}
	for _, col := range statusCols {
		w, err := approval.NewColumnStatusWriter(col.Table, col.IDColumn, col.TenantColumn, col.StatusColumn)
		if err != nil {
			return nil, fmt.Errorf("status column for %s: %w", col.ArtifactType, err)
		}
		approvalOpts = append(approvalOpts, approval.WithStatusWriter(col.ArtifactType, w))
		a.logger.Info("approval status cached on artifact table", "artifact_type", col.ArtifactType, "table", col.Table)
	}
	a.approvals = approval.NewEngine(a.db, a.ledger, approvalOpts...)

	tokenSecret, err := a.tokenSecret()
	if err != nil {
		return nil, err
	}
	bundleSigner, err := newBundleSigner(cfg, tokenSecret)
	if err != nil {
		return nil, err
	}
	bundleOpts := []bundles.Option{bundles.WithObservability(a.obs)}
	if cfg.UnsafeApprovalBypass {
		bundleOpts = append(bundleOpts, bundles.WithUnsafeApprovalBypass())
	}
	a.bundles = bundles.NewService(a.db, a.ledger, a.approvals, a.store, bundleSigner, a.directory, bundleOpts...)

	tokenSigner, err := newTokenSigner(cfg, tokenSecret)
	if err != nil {
		return nil, err
	}
	gatewayOpts := []gateway.Option{gateway.WithMaxTTL(cfg.TokenMaxTTL), gateway.WithObservability(a.obs)}
	if cfg.BindActiveBundle {
		gatewayOpts = append(gatewayOpts, gateway.WithActiveBundleBinding(a.bundles))
	}
	a.tokens = gateway.NewService(a.db, a.ledger, a.approvals, a.directory, tokenSigner, gatewayOpts...)

	if withLimiter {
		if err := a.setupLimiter(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// tokenSecret returns the configured secret. Development deployments
// without one get an ephemeral random secret.
func (a *app) tokenSecret() ([]byte, error) {
	if a.cfg.TokenSecret != "" {
		return []byte(a.cfg.TokenSecret), nil
	}
	if a.cfg.Environment != "development" {
		return nil, errors.New("TOKEN_SECRET is required outside development")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	a.logger.Warn("TOKEN_SECRET not set; using an ephemeral secret, tokens will not survive a restart")
	return secret, nil
}

func newBundleSigner(cfg *config.Config, secret []byte) (bundles.BundleSigner, error) {
	if cfg.BundleSigningSeed == "" {
		return bundles.NewHMACSigner(secret)
	}
	seed, err := hex.DecodeString(cfg.BundleSigningSeed)
	if err != nil {
		return nil, fmt.Errorf("BUNDLE_SIGNING_SEED is not hex: %w", err)
	}
	return bundles.NewEd25519SignerFromSeed(seed)
}

func newTokenSigner(cfg *config.Config, secret []byte) (gateway.TokenSigner, error) {
	if cfg.TokenSigning == "ed25519" {
		if cfg.BundleSigningSeed == "" {
			keys, err := identity.NewInMemoryKeySet()
			if err != nil {
				return nil, err
			}
			return gateway.NewKeySetSigner(keys), nil
		}
		seed, err := hex.DecodeString(cfg.BundleSigningSeed)
		if err != nil {
			return nil, fmt.Errorf("BUNDLE_SIGNING_SEED is not hex: %w", err)
		}
		keys, err := identity.NewKeySetFromSeed("trustgate-1", seed)
		if err != nil {
			return nil, err
		}
		return gateway.NewKeySetSigner(keys), nil
	}
	return gateway.NewHMACSigner(secret)
}

func (a *app) setupLimiter(ctx context.Context) error {
	rl := ratelimit.Config{RPS: a.cfg.RateLimitRPS, Burst: a.cfg.RateLimitBurst}
	if a.cfg.RedisAddr == "" {
		a.limiter = ratelimit.NewLocalLimiter(rl)
		return nil
	}
	client, err := ratelimit.NewRedisClient(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	if err != nil {
		return err
	}
	a.redis = client
	a.limiter = ratelimit.NewRedisLimiter(client, rl)
	a.logger.Info("rate limiter backed by redis", "addr", a.cfg.RedisAddr)
	return nil
}

// Close releases everything newApp opened. It is safe on a partial app.
func (a *app) Close(ctx context.Context) {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.obs != nil {
		if err := a.obs.Shutdown(ctx); err != nil {
			a.logger.Warn("observability shutdown", "error", err)
		}
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
