// Package cache deduplicates large payloads (environments, project
// trees, datasets, auxiliary packages) by content hash. A payload is
// uploaded to the bulk store at most once; repeat submissions of
// unchanged content skip the transfer entirely.
package cache

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// hashPrefix tags digests with the algorithm so a future algorithm
// change cannot silently alias old keys.
const hashPrefix = "b3:"

// hashHexLen is the truncated digest length in hex characters.
const hashHexLen = 32

// HashDir computes the content hash of a directory tree. All included
// file paths are sorted lexicographically after the ignore filter, and
// the hasher is fed each file's slash-relative path followed by its
// raw bytes. The digest therefore depends only on path-qualified
// content: traversal order, timestamps, and ignored files never
// affect it, while any single changed byte does.
func HashDir(dir string, ignore []string) (string, error) {
	files, err := collectFiles(dir, ignore)
	if err != nil {
		return "", err
	}

	h := blake3.New()
	for _, rel := range files {
		io.WriteString(h, rel)
		h.Write([]byte{0})

		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", rel, err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		h.Write([]byte{0})
	}

	sum := h.Sum(nil)
	return hashPrefix + hex.EncodeToString(sum)[:hashHexLen], nil
}

// collectFiles returns the sorted slash-relative paths of all regular
// files under dir that survive the ignore filter.
func collectFiles(dir string, ignore []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if ignored(rel, d.Name(), ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// ignored reports whether either the base name or the relative path
// matches any ignore pattern. Patterns use filepath.Match syntax; a
// pattern matching a directory prunes the whole subtree.
func ignored(rel, base string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		// A bare directory name matches everything under it.
		if strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}
