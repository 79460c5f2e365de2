// Package objectstore mirrors result tables to an S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"k8s.io/klog/v2"
)

// ErrNotConfigured is returned by New when no endpoint is set.
var ErrNotConfigured = errors.New("mirror endpoint not configured")

type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

// Enabled reports whether a mirror should be built at all.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

type Mirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// New connects to the bucket. Objects are stored under prefix, normally the
// experiment name.
func New(cfg Config, prefix string) (*Mirror, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("mirror bucket must be set")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return &Mirror{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket '%s' exists: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	klog.Infof("bucket '%s' does not exist, creating it", m.bucket)
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket '%s': %w", m.bucket, err)
	}
	return nil
}

// ObjectKey is <prefix>/<file name>.
func (m *Mirror) ObjectKey(localPath string) string {
	return path.Join(m.prefix, filepath.Base(localPath))
}

// Upload copies the file at localPath to the bucket, replacing any earlier
// version of the same table.
func (m *Mirror) Upload(ctx context.Context, localPath string) error {
	key := m.ObjectKey(localPath)
	info, err := m.client.FPutObject(ctx, m.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to bucket '%s' as '%s': %w", localPath, m.bucket, key, err)
	}
	klog.V(2).Infof("mirrored %s to %s/%s (%d bytes)", localPath, m.bucket, key, info.Size)
	return nil
}
