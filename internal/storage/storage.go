// Package storage defines the object-storage contract used for the
// resolved dependency-artifact cache and job attachment sink - two
// buckets, one interface.
package storage

import "context"

// Storage is implemented by the MinIO-backed default.
type Storage interface {
	UploadDependency(ctx context.Context, objectPath string, data []byte) error
	DownloadDependency(ctx context.Context, objectPath string) ([]byte, error)
	UploadAttachment(ctx context.Context, objectPath string, data []byte) error
	DownloadAttachment(ctx context.Context, objectPath string) ([]byte, error)
	Close()
}
