package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Fetcher downloads published objects in parallel into a local directory,
// skipping objects already present there.
type Fetcher struct {
	storage     ObjectStorage
	concurrency int
	dir         string
}

// FetchResult contains the outcome of a fetch.
type FetchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewFetcher creates a fetcher writing into dir. Concurrency below 1 means 1.
func NewFetcher(storage ObjectStorage, concurrency int, dir string) *Fetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Fetcher{storage: storage, concurrency: concurrency, dir: dir}
}

// Fetch downloads objectPaths. Per-object failures are collected in
// FetchResult.Errors; the returned error is only set for an invalid
// request.
func (f *Fetcher) Fetch(ctx context.Context, objectPaths []string) (*FetchResult, error) {
	result := &FetchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}

	locals := make([]string, len(objectPaths))
	for i, p := range objectPaths {
		local, err := f.LocalPath(p)
		if err != nil {
			return nil, err
		}
		locals[i] = local
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = semaphore.NewWeighted(int64(f.concurrency))
	)
	for i, p := range objectPaths {
		local := locals[i]
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[p] = local
			result.CacheHits++
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("storage: fetch cancelled: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path, local string) {
			defer sem.Release(1)
			defer wg.Done()

			err := os.MkdirAll(filepath.Dir(local), 0755)
			if err == nil {
				err = f.storage.Download(ctx, path, local)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.LocalPaths[path] = local
			result.Downloads++
		}(p, local)
	}
	wg.Wait()

	return result, nil
}

// LocalPath returns where objectPath is stored under the fetch directory.
// The object's directory structure is kept so outputs of different
// catalogs with the same file name do not collide.
func (f *Fetcher) LocalPath(objectPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(objectPath, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: invalid object path %q", objectPath)
	}
	return filepath.Join(f.dir, clean), nil
}
