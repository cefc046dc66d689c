// Package filestore reads stored order attachments. Two drivers: local
// filesystem for development, S3 (or any S3-compatible endpoint) for
// production. Writes happen elsewhere; the sync core only reads.
package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Reader resolves a stored file path to its bytes.
type Reader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// FS reads files below a fixed root directory.
type FS struct {
	root string
}

// NewFS builds a filesystem reader rooted at dir.
func NewFS(dir string) *FS {
	return &FS{root: dir}
}

func (f *FS) Read(_ context.Context, path string) ([]byte, error) {
	full := filepath.Join(f.root, filepath.Clean("/"+path))
	if !strings.HasPrefix(full, filepath.Clean(f.root)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("path %q escapes storage root", path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// S3Config holds explicit construction parameters for the S3 reader.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO-style endpoints
}

// S3 reads attachment objects from a single bucket. Keys map to stored
// paths directly.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 builds an S3 reader using the default credentials chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) Read(ctx context.Context, path string) ([]byte, error) {
	key := strings.TrimPrefix(path, "/")
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("reading s3 object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Open selects a driver by name.
func Open(ctx context.Context, driver, root string, s3cfg S3Config) (Reader, error) {
	switch driver {
	case "", "fs":
		return NewFS(root), nil
	case "s3":
		return NewS3(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("unknown filestore driver %q", driver)
	}
}
