package journal

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/playperu/cityjourney/internal/config"
)

const linkExpiry = 24 * time.Hour

// S3Uploader stores journals in an S3-compatible bucket and hands out
// presigned GET links.
type S3Uploader struct {
	client *minio.Client
	bucket string
}

func NewS3Uploader(cfg config.S3Config) (*S3Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *S3Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %q: %w", u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %q: %w", u.bucket, err)
	}
	return nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("putting %q: %w", key, err)
	}
	link, err := u.client.PresignedGetObject(ctx, u.bucket, key, linkExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presigning %q: %w", key, err)
	}
	return link.String(), nil
}

// Check implements health.Checker.
func (u *S3Uploader) Check(ctx context.Context) error {
	if _, err := u.client.BucketExists(ctx, u.bucket); err != nil {
		return err
	}
	return nil
}
