package records

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/events"
)

// MinioBackend stores record objects on a MinIO (or other S3-compatible)
// server reached with static credentials.
type MinioBackend struct {
	client *minio.Client
	bucket string
	logger *events.Logger
}

// NewMinioBackend connects and creates the bucket if it is missing.
func NewMinioBackend(ctx context.Context, cfg config.MinioConfig, logger *events.Logger) (*MinioBackend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	b := &MinioBackend{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.WithField("component", "minio_backend"),
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		b.logger.WithField("bucket", cfg.Bucket).Info("Created bucket")
	}

	return b, nil
}

// PutObject writes an object. The ifMatch check is a stat before the
// write, so it narrows but does not close the race window.
func (b *MinioBackend) PutObject(ctx context.Context, key string, data []byte, ifMatch string) error {
	if ifMatch != "" && ifMatch != "*" {
		info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
		if err != nil {
			return b.translate(err, "stat object")
		}
		if info.ETag != trimETag(ifMatch) {
			return ErrPreconditionFailed
		}
	}

	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: map[string]string{"format": "cryptodo-record-v1"},
		})
	if err != nil {
		return fmt.Errorf("minio put object: %w", err)
	}
	return nil
}

// GetObject reads an object and its ETag.
func (b *MinioBackend) GetObject(ctx context.Context, key string) ([]byte, string, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", b.translate(err, "get object")
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, "", b.translate(err, "stat object")
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", b.translate(err, "read object")
	}
	return data, info.ETag, nil
}

// DeleteObject removes an object.
func (b *MinioBackend) DeleteObject(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("minio remove object: %w", err)
	}
	return nil
}

// ListKeys returns every key under prefix.
func (b *MinioBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	objectCh := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("minio list objects: %w", object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

func (b *MinioBackend) translate(err error, op string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrObjectNotFound
	}
	return fmt.Errorf("minio %s: %w", op, err)
}

func trimETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

var _ ObjectBackend = (*MinioBackend)(nil)
