package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cattle-orchestrator/internal/config"
)

// Uploader persists an archive object and returns a URI that locates it.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewUploader picks the S3 uploader when a bucket is configured and falls
// back to a local directory otherwise. It returns nil when archiving is off.
func NewUploader(ctx context.Context, cfg config.ArchiveConfig) (Uploader, error) {
	switch {
	case cfg.Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
	case cfg.Dir != "":
		return NewDirUploader(cfg.Dir), nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3Uploader writes archive objects to a bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

// DirUploader writes archive objects below a local directory.
type DirUploader struct {
	root string
}

func NewDirUploader(root string) *DirUploader {
	return &DirUploader{root: root}
}

func (u *DirUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.HasSuffix(key, "/") {
		return "", errors.New("archive key must name a file")
	}
	dst := filepath.Join(u.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, body, 0o640); err != nil {
		return "", err
	}
	return "file://" + dst, nil
}
