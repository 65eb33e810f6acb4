package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func seedStorage(t *testing.T, objects map[string]string) *LocalStorage {
	t.Helper()
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := t.TempDir()
	for obj, content := range objects {
		p := writeFile(t, src, filepath.Base(obj), content)
		if err := storage.Upload(context.Background(), p, obj); err != nil {
			t.Fatal(err)
		}
	}
	return storage
}

func TestFetcher_Fetch(t *testing.T) {
	storage := seedStorage(t, map[string]string{
		"tauid/v1/run.sqlite":     "tau",
		"decaymode/v1/run.sqlite": "decay",
		"tauid/v1/run.meta.json":  "{}",
	})
	dir := t.TempDir()
	f := NewFetcher(storage, 2, dir)

	paths := []string{"tauid/v1/run.sqlite", "decaymode/v1/run.sqlite", "tauid/v1/run.meta.json"}
	res, err := f.Fetch(context.Background(), paths)
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloads != 3 || res.CacheHits != 0 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	// Same base name under different catalogs must not collide.
	tau, _ := os.ReadFile(res.LocalPaths["tauid/v1/run.sqlite"])
	decay, _ := os.ReadFile(res.LocalPaths["decaymode/v1/run.sqlite"])
	if string(tau) != "tau" || string(decay) != "decay" {
		t.Errorf("contents: %q %q", tau, decay)
	}

	res, err = f.Fetch(context.Background(), paths)
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheHits != 3 || res.Downloads != 0 {
		t.Errorf("second fetch: %+v", res)
	}
}

func TestFetcher_PartialFailure(t *testing.T) {
	storage := seedStorage(t, map[string]string{"a/one": "1"})
	f := NewFetcher(storage, 0, t.TempDir())

	res, err := f.Fetch(context.Background(), []string{"a/one", "a/missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.LocalPaths) != 1 || res.Downloads != 1 {
		t.Errorf("unexpected successes %+v", res)
	}
	if !errors.Is(res.Errors["a/missing"], ErrObjectNotFound) {
		t.Errorf("missing object error = %v", res.Errors["a/missing"])
	}
}

func TestFetcher_Empty(t *testing.T) {
	f := NewFetcher(nil, 1, t.TempDir())
	res, err := f.Fetch(context.Background(), nil)
	if err != nil || len(res.LocalPaths) != 0 {
		t.Errorf("empty fetch: %+v, %v", res, err)
	}
}

func TestFetcher_RejectsEscapingPaths(t *testing.T) {
	f := NewFetcher(nil, 1, t.TempDir())
	if _, err := f.Fetch(context.Background(), []string{"../../etc/passwd"}); err == nil {
		t.Error("escaping path accepted")
	}
	if p, err := f.LocalPath("/abs/x"); err != nil || !filepath.IsAbs(p) {
		t.Errorf("leading slash: %q, %v", p, err)
	}
}
