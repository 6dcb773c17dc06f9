package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects a backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type       StoreType `yaml:"type"`
	DataDir    string    `yaml:"data_dir"`
	S3Bucket   string    `yaml:"s3_bucket"`
	S3Region   string    `yaml:"s3_region"`
	S3Endpoint string    `yaml:"s3_endpoint"`
	S3Prefix   string    `yaml:"s3_prefix"`
	GCSBucket  string    `yaml:"gcs_bucket"`
	GCSPrefix  string    `yaml:"gcs_prefix"`
}

// ConfigFromEnv reads the backend configuration.
//
// Environment variables:
//   - ODYSSEY_ARTIFACT_STORAGE: "fs" (default), "s3" or "gcs"
//   - ODYSSEY_DATA_DIR: base directory for the filesystem store (default "data")
//   - ODYSSEY_ARTIFACT_S3_BUCKET, ODYSSEY_ARTIFACT_S3_REGION (or AWS_REGION),
//     ODYSSEY_ARTIFACT_S3_ENDPOINT, ODYSSEY_ARTIFACT_S3_PREFIX
//   - ODYSSEY_ARTIFACT_GCS_BUCKET, ODYSSEY_ARTIFACT_GCS_PREFIX
func ConfigFromEnv() Config {
	region := os.Getenv("ODYSSEY_ARTIFACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	return Config{
		Type:       StoreType(os.Getenv("ODYSSEY_ARTIFACT_STORAGE")),
		DataDir:    os.Getenv("ODYSSEY_DATA_DIR"),
		S3Bucket:   os.Getenv("ODYSSEY_ARTIFACT_S3_BUCKET"),
		S3Region:   region,
		S3Endpoint: os.Getenv("ODYSSEY_ARTIFACT_S3_ENDPOINT"),
		S3Prefix:   os.Getenv("ODYSSEY_ARTIFACT_S3_PREFIX"),
		GCSBucket:  os.Getenv("ODYSSEY_ARTIFACT_GCS_BUCKET"),
		GCSPrefix:  os.Getenv("ODYSSEY_ARTIFACT_GCS_PREFIX"),
	}
}

// NewStoreFromEnv builds the backend named by the environment.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, ConfigFromEnv())
}

// NewStore builds the backend named by cfg.Type.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "artifacts"))
	case StoreTypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("artifacts: ODYSSEY_ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifacts: unsupported storage type: %s", cfg.Type)
	}
}
