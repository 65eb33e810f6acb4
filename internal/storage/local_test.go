package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return p
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	srcDir := t.TempDir()
	srcPath := writeFile(t, srcDir, "test.sqlite", "hello world")
	ctx := context.Background()

	objectPath := "tauid/v1/test.sqlite"
	if err := storage.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dstPath := filepath.Join(srcDir, "downloaded.sqlite")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != "hello world" {
		t.Errorf("content mismatch: got %q", downloaded)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Errorf("deleting a missing object: %v", err)
	}
}

func TestLocalStorage_PutIfAbsent(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	first := writeFile(t, dir, "a", "first")
	second := writeFile(t, dir, "b", "second")
	ctx := context.Background()

	if err := storage.PutIfAbsent(ctx, first, "out/x.arrow"); err != nil {
		t.Fatalf("first PutIfAbsent failed: %v", err)
	}
	err = storage.PutIfAbsent(ctx, second, "out/x.arrow")
	if !errors.Is(err, ErrAlreadyExists) || !errors.Is(err, ntErrors.ErrAlreadyPublished) {
		t.Fatalf("expected ALREADY_PUBLISHED, got %v", err)
	}

	got := filepath.Join(dir, "got")
	if err := storage.Download(ctx, "out/x.arrow", got); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(got); string(data) != "first" {
		t.Errorf("object was overwritten: %q", data)
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	err = storage.Download(context.Background(), "missing", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
	if ntErrors.IsRetryable(err) {
		t.Error("missing object should not be retryable")
	}
}

func TestLocalStorage_RejectsEscapingPaths(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := writeFile(t, t.TempDir(), "f", "x")
	for _, p := range []string{"../evil", "a/../../evil", "."} {
		if err := storage.Upload(context.Background(), src, p); !errors.Is(err, ErrUploadFailed) {
			t.Errorf("Upload(%q) = %v, want ErrUploadFailed", p, err)
		}
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := writeFile(t, t.TempDir(), "f", "x")
	ctx := context.Background()
	for _, p := range []string{"tauid/v1/b.sqlite", "tauid/v1/a.sqlite", "decaymode/v1/c.arrow"} {
		if err := storage.Upload(ctx, src, p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := storage.ListObjects(ctx, "tauid/")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"tauid/v1/a.sqlite", "tauid/v1/b.sqlite"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListObjects = %v, want %v", got, want)
	}

	all, _ := storage.ListObjects(ctx, "")
	if len(all) != 3 || !sort.StringsAreSorted(all) {
		t.Errorf("ListObjects(\"\") = %v", all)
	}
}

func TestPublish(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	out := writeFile(t, dir, "run1.sqlite", "data")
	side := writeFile(t, dir, "run1.meta.json", "{}")
	ctx := context.Background()

	p, err := Publish(ctx, storage, "ntuples", "tauid", 1, out, side)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if p.ObjectPath != "ntuples/tauid/v1/run1.sqlite" || p.SidecarPath != "ntuples/tauid/v1/run1.meta.json" {
		t.Errorf("unexpected paths %+v", p)
	}
	for _, obj := range []string{p.ObjectPath, p.SidecarPath} {
		if ok, _ := storage.Exists(ctx, obj); !ok {
			t.Errorf("%s not published", obj)
		}
	}

	again, err := Publish(ctx, storage, "ntuples", "tauid", 1, out, side)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second publish: %v", err)
	}
	if again == nil || again.ObjectPath != p.ObjectPath || again.SidecarPath != p.SidecarPath {
		t.Errorf("second publish should report the existing object, got %+v", again)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{Type: "local", Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*LocalStorage); !ok {
		t.Errorf("Open returned %T", s)
	}
	if _, err := Open(ctx, Options{Type: "local"}); err == nil {
		t.Error("local without path accepted")
	}
	if _, err := Open(ctx, Options{Type: "s3"}); err == nil {
		t.Error("s3 without bucket accepted")
	}
	if _, err := Open(ctx, Options{Type: "gcs"}); err == nil {
		t.Error("unknown type accepted")
	}
}
