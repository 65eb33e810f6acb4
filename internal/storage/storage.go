// Package storage provides the object storage finalized outputs are
// published to: the local filesystem or S3.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
)

// Errors for storage operations. They match the structured STORAGE errors
// under errors.Is.
var (
	ErrObjectNotFound = ntErrors.ErrObjectNotFound
	ErrUploadFailed   = ntErrors.ErrUploadFailed
	ErrDownloadFailed = ntErrors.ErrDownloadFailed
	ErrAlreadyExists  = ntErrors.ErrAlreadyPublished
)

// ObjectStorage abstracts object storage operations.
type ObjectStorage interface {
	// Upload copies a local file to objectPath, replacing any existing
	// object.
	Upload(ctx context.Context, localPath, objectPath string) error

	// PutIfAbsent uploads only if no object exists at objectPath, and
	// returns ErrAlreadyExists otherwise.
	PutIfAbsent(ctx context.Context, localPath, objectPath string) error

	// Download copies an object to a local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Storage types accepted by Open.
const (
	TypeLocal = "local"
	TypeS3    = "s3"
)

// Options selects and configures an ObjectStorage.
type Options struct {
	Type   string
	Path   string // local base directory
	Bucket string
	S3     S3Config
}

// Open creates the storage described by opts.
func Open(ctx context.Context, opts Options) (ObjectStorage, error) {
	switch strings.ToLower(opts.Type) {
	case TypeLocal, "":
		if opts.Path == "" {
			return nil, fmt.Errorf("storage: local storage requires a path")
		}
		return NewLocalStorage(opts.Path)
	case TypeS3:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("storage: s3 storage requires a bucket")
		}
		return NewS3Storage(ctx, opts.Bucket, opts.S3)
	default:
		return nil, fmt.Errorf("storage: unknown storage type %q", opts.Type)
	}
}

// ObjectPath joins a publish prefix, catalog name and version, and file
// name: "ntuples/tauid/v1/run-0001.sqlite".
func ObjectPath(prefix, catalog string, version int, name string) string {
	return path.Join(prefix, catalog, fmt.Sprintf("v%d", version), name)
}
