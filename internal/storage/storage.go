// Package storage provides the object stores ledger snapshots are shipped to.
package storage

import (
	"context"

	ederrors "github.com/arkilian/eds/internal/errors"
)

// ErrObjectNotFound is returned by Download when the key does not exist.
var ErrObjectNotFound = ederrors.New(ederrors.ErrCategoryStorage, ederrors.CodeObjectNotFound, "object not found")

// ObjectStorage abstracts the object store. Implementations are the local
// filesystem and S3 (or any S3-compatible endpoint).
type ObjectStorage interface {
	// Upload copies the local file to key and returns the store's ETag.
	// Large files may be sent in parts.
	Upload(ctx context.Context, localPath, key string) (string, error)

	// Download copies key to localPath.
	Download(ctx context.Context, key, localPath string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// ListObjects returns every key under prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize: 5 * 1024 * 1024, // 5MB
	}
}

func uploadFailed(key string, err error) error {
	return ederrors.NewStorageError(ederrors.CodeUploadFailed, "upload failed", err).
		WithDetails(map[string]interface{}{"key": key})
}

func downloadFailed(key string, err error) error {
	return ederrors.NewStorageError(ederrors.CodeDownloadFailed, "download failed", err).
		WithDetails(map[string]interface{}{"key": key})
}
