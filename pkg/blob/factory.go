package blob

import (
	"context"
	"fmt"
)

// Config selects and configures a blob store backend.
type Config struct {
	Type      string    `yaml:"type" json:"type"`           // "fs", "s3", "gcs" or "memory"
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"` // hash for new content, default sha256
	Path      string    `yaml:"path" json:"path"`           // fs: base directory
	S3        S3Config  `yaml:"s3" json:"s3"`
	GCS       GCSConfig `yaml:"gcs" json:"gcs"`
}

// GCSConfig holds connection settings for the GCS backend. It lives here
// rather than next to GCSStore so configs parse without the gcp build tag.
type GCSConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

// NewStore constructs the blob store selected by cfg.Type.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = DefaultAlgorithm
	}
	if err := alg.valid(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "", "fs":
		if cfg.Path == "" {
			return nil, fmt.Errorf("blob store type %q requires a path", "fs")
		}
		return NewFileStore(cfg.Path, alg)
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("blob store type %q requires a bucket", "s3")
		}
		return NewS3Store(ctx, cfg.S3, alg)
	case "gcs":
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("blob store type %q requires a bucket", "gcs")
		}
		return newGCSStore(ctx, cfg.GCS, alg)
	case "memory":
		return NewMemoryStore(alg), nil
	default:
		return nil, fmt.Errorf("unknown blob store type %q", cfg.Type)
	}
}
