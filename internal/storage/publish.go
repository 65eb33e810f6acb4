package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"path/filepath"
)

// Published records where an output and its sidecar were stored.
type Published struct {
	ObjectPath  string
	SidecarPath string
}

// Publish uploads a finalized output and then its sidecar under
// prefix/catalog/vN/. The output is written with PutIfAbsent, so publishing
// the same file name twice returns ErrAlreadyExists together with the paths
// of the existing objects, and leaves the first upload in place. The caller
// decides whether the existing object holds the same content. The sidecar is
// uploaded last; a reader that finds a sidecar can rely on the output being
// complete.
func Publish(ctx context.Context, store ObjectStorage, prefix, catalog string, version int, outputPath, sidecarPath string) (*Published, error) {
	p := &Published{
		ObjectPath: ObjectPath(prefix, catalog, version, filepath.Base(outputPath)),
	}
	if sidecarPath != "" {
		p.SidecarPath = path.Join(path.Dir(p.ObjectPath), filepath.Base(sidecarPath))
	}
	if err := store.PutIfAbsent(ctx, outputPath, p.ObjectPath); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return p, err
		}
		return nil, fmt.Errorf("storage: failed to publish %s: %w", outputPath, err)
	}

	if p.SidecarPath != "" {
		if err := store.Upload(ctx, sidecarPath, p.SidecarPath); err != nil {
			return nil, fmt.Errorf("storage: failed to publish sidecar %s: %w", sidecarPath, err)
		}
	}

	log.Printf("storage: published %s", p.ObjectPath)
	return p, nil
}
