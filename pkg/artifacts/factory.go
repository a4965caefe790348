package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names a storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend  Backend
	DataDir  string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Open builds the configured store. The filesystem backend is the default
// and lives under <DataDir>/artifacts.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "artifacts"))
	case BackendS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		return openGCS(ctx, cfg)
	}
	return nil, fmt.Errorf("unsupported artifact storage backend: %s", cfg.Backend)
}
