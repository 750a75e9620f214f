package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements Store against any S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
}

// MinioConfig collects connection parameters for the object store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
}

// NewMinioStore connects to the object store.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("platform/blob: new client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

// EnsureBucket creates the bucket if it does not already exist.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("platform/blob: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("platform/blob: make bucket: %w", err)
	}
	return nil
}

// Upload stores the object.
func (s *MinioStore) Upload(ctx context.Context, bucket, objectName string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("platform/blob: put %s/%s: %w", bucket, objectName, err)
	}
	return nil
}

// Download returns the object contents.
func (s *MinioStore) Download(ctx context.Context, bucket, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("platform/blob: get %s/%s: %w", bucket, objectName, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		var respErr minio.ErrorResponse
		if errors.As(err, &respErr) && respErr.Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("platform/blob: read %s/%s: %w", bucket, objectName, err)
	}
	return data, nil
}

// PresignedURL returns a time-limited download URL.
func (s *MinioStore) PresignedURL(ctx context.Context, bucket, objectName string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, objectName, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("platform/blob: presign %s/%s: %w", bucket, objectName, err)
	}
	return u.String(), nil
}

// Delete removes the object.
func (s *MinioStore) Delete(ctx context.Context, bucket, objectName string) error {
	if err := s.client.RemoveObject(ctx, bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("platform/blob: remove %s/%s: %w", bucket, objectName, err)
	}
	return nil
}
