package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create filesystem store: %v", err)
	}
	return fs
}

func TestUploadAndDownload(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	content := "payload bytes"
	if err := fs.Upload(ctx, "payloads/project/abc.tar.zst", strings.NewReader(content)); err != nil {
		t.Fatalf("Failed to upload: %v", err)
	}

	rc, err := fs.Download(ctx, "payloads/project/abc.tar.zst")
	if err != nil {
		t.Fatalf("Failed to download: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(data) != content {
		t.Errorf("Expected %q, got %q", content, string(data))
	}
}

func TestDownloadMissingKey(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Download(context.Background(), "does/not/exist")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestUploadOverwrites(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	if err := fs.Upload(ctx, "key", strings.NewReader("first")); err != nil {
		t.Fatalf("Failed to upload: %v", err)
	}
	if err := fs.Upload(ctx, "key", strings.NewReader("second")); err != nil {
		t.Fatalf("Failed to overwrite: %v", err)
	}

	rc, err := fs.Download(ctx, "key")
	if err != nil {
		t.Fatalf("Failed to download: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "second" {
		t.Errorf("Expected overwrite to win, got %q", string(data))
	}
}

func TestExists(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	ok, err := fs.Exists(ctx, "missing")
	if err != nil {
		t.Fatalf("Failed to check existence: %v", err)
	}
	if ok {
		t.Error("Expected missing key to not exist")
	}

	if err := fs.Upload(ctx, "present", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("Failed to upload: %v", err)
	}
	ok, err = fs.Exists(ctx, "present")
	if err != nil {
		t.Fatalf("Failed to check existence: %v", err)
	}
	if !ok {
		t.Error("Expected uploaded key to exist")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	if err := fs.Upload(ctx, "key", strings.NewReader("x")); err != nil {
		t.Fatalf("Failed to upload: %v", err)
	}
	if err := fs.Delete(ctx, "key"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	// Deleting a missing key is not an error.
	if err := fs.Delete(ctx, "key"); err != nil {
		t.Errorf("Expected delete of missing key to succeed, got %v", err)
	}
	if err := fs.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Expected delete of unknown key to succeed, got %v", err)
	}
}

func TestListPrefix(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	keys := []string{
		"channel/local-to-remote/pending/m1",
		"channel/local-to-remote/pending/m2",
		"channel/local-to-remote/archived/m0",
		"payloads/project/abc.tar.zst",
	}
	for _, key := range keys {
		if err := fs.Upload(ctx, key, strings.NewReader("x")); err != nil {
			t.Fatalf("Failed to upload %s: %v", key, err)
		}
	}

	pending, err := fs.List(ctx, "channel/local-to-remote/pending/")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	sort.Strings(pending)

	want := []string{
		"channel/local-to-remote/pending/m1",
		"channel/local-to-remote/pending/m2",
	}
	if len(pending) != len(want) {
		t.Fatalf("Expected %d keys, got %d: %v", len(want), len(pending), pending)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Errorf("Expected key %s, got %s", want[i], pending[i])
		}
	}

	empty, err := fs.List(ctx, "no/such/prefix/")
	if err != nil {
		t.Fatalf("Failed to list empty prefix: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected no keys, got %v", empty)
	}
}
