// Package blob abstracts the object store holding invoice files, compliance
// documents and uploaded policy texts.
//
// Object naming conventions:
//
//	invoices/<invoice_id>/<filename>
//	compliance/<vendor_id>/<doc_type>/<filename>
//	policies/<version_id>/<filename>
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("blob: object not found")

// Store is the object-store port.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Upload(ctx context.Context, bucket, objectName string, data []byte, contentType string) error
	Download(ctx context.Context, bucket, objectName string) ([]byte, error)
	PresignedURL(ctx context.Context, bucket, objectName string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, bucket, objectName string) error
}
