package cache

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "main.py", "print('hello')\n")
	writeFile(t, src, "data/input.csv", "a,b,c\n1,2,3\n")

	var buf bytes.Buffer
	if err := PackDir(src, nil, &buf); err != nil {
		t.Fatalf("Failed to pack: %v", err)
	}

	dest := t.TempDir()
	if err := UnpackDir(&buf, dest); err != nil {
		t.Fatalf("Failed to unpack: %v", err)
	}

	// The unpacked tree must hash identically to the source.
	srcHash, err := HashDir(src, nil)
	if err != nil {
		t.Fatalf("Failed to hash source: %v", err)
	}
	destHash, err := HashDir(dest, nil)
	if err != nil {
		t.Fatalf("Failed to hash destination: %v", err)
	}
	if srcHash != destHash {
		t.Errorf("Expected identical hashes after round trip: %q vs %q", srcHash, destHash)
	}
}

func TestPackDirHonorsIgnore(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "keep.txt", "keep")
	writeFile(t, src, "skip.log", "skip")

	var buf bytes.Buffer
	if err := PackDir(src, []string{"*.log"}, &buf); err != nil {
		t.Fatalf("Failed to pack: %v", err)
	}

	dest := t.TempDir()
	if err := UnpackDir(&buf, dest); err != nil {
		t.Fatalf("Failed to unpack: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "keep.txt")); err != nil {
		t.Errorf("Expected keep.txt to survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "skip.log")); !os.IsNotExist(err) {
		t.Error("Expected skip.log to be excluded from the archive")
	}
}

func TestPackPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "model.pt", "weights")
	writeFile(t, root, "logs/train.log", "epoch 1")
	writeFile(t, root, "scratch.tmp", "not collected")

	var buf bytes.Buffer
	err := PackPaths(root, []string{"model.pt", "logs", "missing.txt"}, &buf)
	if err != nil {
		t.Fatalf("Failed to pack paths: %v", err)
	}

	dest := t.TempDir()
	if err := UnpackDir(&buf, dest); err != nil {
		t.Fatalf("Failed to unpack: %v", err)
	}

	for _, want := range []string{"model.pt", "logs/train.log"} {
		if _, err := os.Stat(filepath.Join(dest, want)); err != nil {
			t.Errorf("Expected %s in the archive: %v", want, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dest, "scratch.tmp")); !os.IsNotExist(err) {
		t.Error("Expected scratch.tmp to be excluded")
	}
}

// tarZstWithEntry builds an archive containing a single file entry
// with the given name, bypassing PackDir's sanitization.
func tarZstWithEntry(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("Failed to create zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("Failed to write tar header: %v", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write tar body: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close tar writer: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zstd writer: %v", err)
	}
	return buf.Bytes()
}

func TestUnpackDirRejectsTraversal(t *testing.T) {
	evil := tarZstWithEntry(t, "../escape.txt", "evil")
	dest := t.TempDir()

	if err := UnpackDir(bytes.NewReader(evil), dest); err == nil {
		t.Fatal("Expected an error for a path-escaping entry")
	}

	parent := filepath.Dir(dest)
	if _, statErr := os.Stat(filepath.Join(parent, "escape.txt")); !os.IsNotExist(statErr) {
		t.Error("Expected no file written outside the destination")
	}
}

func TestUnpackDirRejectsAbsolutePath(t *testing.T) {
	evil := tarZstWithEntry(t, "/tmp/absolute.txt", "evil")

	if err := UnpackDir(bytes.NewReader(evil), t.TempDir()); err == nil {
		t.Fatal("Expected an error for an absolute archive entry")
	}
}
