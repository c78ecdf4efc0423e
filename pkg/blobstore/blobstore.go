// Package blobstore defines the capability surface the overflow mechanism needs from an
// external object store: put bytes, open a read stream, delete.
package blobstore

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrClosed   = errors.New("blob store is closed")
)

// BlobStore is scoped to one transaction context and shared by every operation inside it.
// Implementations must be safe for concurrent use on distinct keys.
type BlobStore interface {
	// Put stores data under key. After a failure the caller retries with a new key.
	Put(ctx context.Context, key string, data []byte) error

	// OpenRead returns a finite, non-restartable stream of the object's bytes.
	// It returns an error wrapping ErrNotFound if key does not exist.
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Location names the container/bucket the store writes to.
	Location() string

	// Close releases the store's connection.
	Close() error
}

// Factory creates a BlobStore for one transaction context.
type Factory interface {
	NewBlobStore(ctx context.Context) (BlobStore, error)
}

// HealthChecker is implemented by factories that can probe their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// UploadTemplate holds the static parameters applied to every upload. The key is set
// per upload.
type UploadTemplate struct {
	Bucket               string `validate:"required"`
	StorageClass         string `validate:"omitempty,oneof=STANDARD REDUCED_REDUNDANCY STANDARD_IA ONEZONE_IA INTELLIGENT_TIERING GLACIER GLACIER_IR DEEP_ARCHIVE"`
	ContentType          string
	ServerSideEncryption string `validate:"omitempty,oneof=AES256 aws:kms aws:kms:dsse"`
	Metadata             map[string]string
}

// ReadTemplate holds the static parameters applied to every read. An empty Bucket
// means the upload bucket.
type ReadTemplate struct {
	Bucket string
}

// ReadBucket resolves the bucket reads go to.
func ReadBucket(upload UploadTemplate, read ReadTemplate) string {
	if read.Bucket != "" {
		return read.Bucket
	}
	return upload.Bucket
}
