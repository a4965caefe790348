// Package config loads server configuration: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/trustgate/pkg/artifacts"
	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
	"github.com/Mindburn-Labs/trustgate/pkg/observability"
)

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`
	DataDir        string `yaml:"data_dir"`

	ArtifactBackend  string `yaml:"artifact_backend"`
	ArtifactBucket   string `yaml:"artifact_bucket"`
	ArtifactRegion   string `yaml:"artifact_region"`
	ArtifactEndpoint string `yaml:"artifact_endpoint"`
	ArtifactPrefix   string `yaml:"artifact_prefix"`

	// TokenSecret keys HS256 tokens and, without a BundleSigningSeed, HMAC
	// bundle signatures.
	TokenSecret       string        `yaml:"token_secret"`
	TokenSigning      string        `yaml:"token_signing"` // hmac | ed25519
	TokenMaxTTL       time.Duration `yaml:"token_max_ttl"`
	BundleSigningSeed string        `yaml:"bundle_signing_seed"` // hex, 32 bytes

	MinReviewerGate      bool `yaml:"min_reviewer_gate"`
	BindActiveBundle     bool `yaml:"bind_active_bundle"`
	UnsafeApprovalBypass bool `yaml:"unsafe_approval_bypass"`

	// StatusColumns maps an artifact type to the column that caches its
	// approval status, written "table.id_column/tenant_column/status_column".
	// Unmapped types use the artifact_approval_status table.
	StatusColumns map[string]string `yaml:"status_columns"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	RedisAddr      string  `yaml:"redis_addr"`
	RedisPassword  string  `yaml:"redis_password"`
	RedisDB        int     `yaml:"redis_db"`

	LedgerBatchInterval time.Duration `yaml:"ledger_batch_interval"`
	LedgerMaxBatch      int           `yaml:"ledger_max_batch"`
	AnchorBatches       bool          `yaml:"anchor_batches"`

	PolicySeedFile string `yaml:"policy_seed_file"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`
}

// Default returns a configuration that boots a single node on SQLite.
func Default() *Config {
	return &Config{
		Port:                "8080",
		LogLevel:            "INFO",
		DatabaseDriver:      string(database.SQLite),
		DatabaseURL:         "file:data/trustgate.db",
		DataDir:             "data",
		ArtifactBackend:     string(artifacts.BackendFS),
		TokenSigning:        "hmac",
		TokenMaxTTL:         time.Hour,
		RateLimitRPS:        50,
		RateLimitBurst:      100,
		LedgerBatchInterval: time.Minute,
		LedgerMaxBatch:      1000,
		AnchorBatches:       true,
		OTLPEndpoint:        "localhost:4317",
		Environment:         "development",
	}
}

// Load applies the YAML file at path (if any) over the defaults, then the
// environment. An empty path falls back to TRUSTGATE_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("TRUSTGATE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = d
		}
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_DRIVER", &c.DatabaseDriver)
	str("DATABASE_URL", &c.DatabaseURL)
	str("DATA_DIR", &c.DataDir)
	str("ARTIFACT_BACKEND", &c.ArtifactBackend)
	str("ARTIFACT_BUCKET", &c.ArtifactBucket)
	str("ARTIFACT_REGION", &c.ArtifactRegion)
	str("ARTIFACT_ENDPOINT", &c.ArtifactEndpoint)
	str("ARTIFACT_PREFIX", &c.ArtifactPrefix)
	str("TOKEN_SECRET", &c.TokenSecret)
	str("TOKEN_SIGNING", &c.TokenSigning)
	duration("TOKEN_MAX_TTL", &c.TokenMaxTTL)
	str("BUNDLE_SIGNING_SEED", &c.BundleSigningSeed)
	boolean("MIN_REVIEWER_GATE", &c.MinReviewerGate)
	boolean("BIND_ACTIVE_BUNDLE", &c.BindActiveBundle)
	boolean("UNSAFE_APPROVAL_BYPASS", &c.UnsafeApprovalBypass)
	if v, ok := os.LookupEnv("APPROVAL_STATUS_COLUMNS"); ok && v != "" {
		cols, err := parseStatusColumnList(v)
		if err != nil {
			errs = append(errs, "APPROVAL_STATUS_COLUMNS")
		} else {
			c.StatusColumns = cols
		}
	}
	float("RATE_LIMIT_RPS", &c.RateLimitRPS)
	integer("RATE_LIMIT_BURST", &c.RateLimitBurst)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	integer("REDIS_DB", &c.RedisDB)
	duration("LEDGER_BATCH_INTERVAL", &c.LedgerBatchInterval)
	integer("LEDGER_MAX_BATCH", &c.LedgerMaxBatch)
	boolean("ANCHOR_BATCHES", &c.AnchorBatches)
	str("POLICY_SEED_FILE", &c.PolicySeedFile)
	boolean("OTEL_ENABLED", &c.OTelEnabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	str("ENVIRONMENT", &c.Environment)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(errs, ", "))
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if _, err := database.ParseDialect(c.DatabaseDriver); err != nil {
		return err
	}
	switch artifacts.Backend(c.ArtifactBackend) {
	case artifacts.BackendFS, artifacts.BackendS3, artifacts.BackendGCS:
	default:
		return fmt.Errorf("unknown artifact backend %q", c.ArtifactBackend)
	}
	switch c.TokenSigning {
	case "hmac", "ed25519":
	default:
		return fmt.Errorf("token signing must be hmac or ed25519, got %q", c.TokenSigning)
	}
	if c.TokenMaxTTL <= 0 {
		return fmt.Errorf("token max ttl must be positive")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.LedgerBatchInterval < 0 {
		return fmt.Errorf("ledger batch interval must not be negative")
	}
	if _, err := c.StatusColumnMappings(); err != nil {
		return err
	}
	return nil
}

// StatusColumn names the artifact table column that caches approval status
// for one artifact type.
type StatusColumn struct {
	ArtifactType contracts.ArtifactType
	Table        string
	IDColumn     string
	TenantColumn string
	StatusColumn string
}

// StatusColumnMappings parses StatusColumns, sorted by artifact type.
func (c *Config) StatusColumnMappings() ([]StatusColumn, error) {
	out := make([]StatusColumn, 0, len(c.StatusColumns))
	for typ, spec := range c.StatusColumns {
		at := contracts.ArtifactType(strings.ToUpper(strings.TrimSpace(typ)))
		if !at.Valid() {
			return nil, fmt.Errorf("status column for unknown artifact type %q", typ)
		}
		table, cols, ok := strings.Cut(strings.TrimSpace(spec), ".")
		parts := strings.Split(cols, "/")
		if !ok || table == "" || len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("status column for %s must be table.id_column/tenant_column/status_column, got %q", at, spec)
		}
		out = append(out, StatusColumn{ArtifactType: at, Table: table, IDColumn: parts[0], TenantColumn: parts[1], StatusColumn: parts[2]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactType < out[j].ArtifactType })
	return out, nil
}

// parseStatusColumnList reads "TYPE=table.id/tenant/status,TYPE=...".
func parseStatusColumnList(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range strings.Split(v, ",") {
		typ, spec, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || typ == "" {
			return nil, fmt.Errorf("malformed status column %q", item)
		}
		out[typ] = spec
	}
	return out, nil
}

// Artifacts returns the content store settings.
func (c *Config) Artifacts() artifacts.Config {
	return artifacts.Config{
		Backend:  artifacts.Backend(c.ArtifactBackend),
		DataDir:  c.DataDir,
		Bucket:   c.ArtifactBucket,
		Region:   c.ArtifactRegion,
		Endpoint: c.ArtifactEndpoint,
		Prefix:   c.ArtifactPrefix,
	}
}

// Observability returns the OpenTelemetry settings.
func (c *Config) Observability() *observability.Config {
	o := observability.DefaultConfig()
	o.Enabled = c.OTelEnabled
	o.OTLPEndpoint = c.OTLPEndpoint
	o.Environment = c.Environment
	o.Insecure = c.Environment == "development"
	return o
}
