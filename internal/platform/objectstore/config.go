package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-deploy/internal/platform/env"
)

// Config locates the S3-compatible endpoint that holds run artifacts and
// pipeline definitions.
type Config struct {
	Endpoint          string
	AccessKey         string
	SecretKey         string
	Region            string
	UseSSL            bool
	BucketArtifacts   string
	BucketDefinitions string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("ANIMUS_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:          env.String("ANIMUS_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:         env.String("ANIMUS_MINIO_ACCESS_KEY", "animus"),
		SecretKey:         env.String("ANIMUS_MINIO_SECRET_KEY", "animusminio"),
		Region:            env.String("ANIMUS_MINIO_REGION", "us-east-1"),
		UseSSL:            useSSL,
		BucketArtifacts:   env.String("ANIMUS_MINIO_BUCKET_ARTIFACTS", "deploy-artifacts"),
		BucketDefinitions: env.String("ANIMUS_MINIO_BUCKET_DEFINITIONS", "deploy-definitions"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.TrimSpace(c.BucketDefinitions) == "" {
		return errors.New("definitions bucket is required")
	}
	if c.BucketArtifacts == c.BucketDefinitions {
		return fmt.Errorf("artifacts and definitions buckets must differ: %q", c.BucketArtifacts)
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// Buckets lists every bucket the orchestrator writes to.
func (c Config) Buckets() []string {
	return []string{c.BucketArtifacts, c.BucketDefinitions}
}
