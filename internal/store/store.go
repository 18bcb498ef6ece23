// Package store defines the bulk object store the proxy and the
// remote worker share, and the implementations selected at startup.
// The store carries both control messages (under the channel's key
// prefixes) and content-addressed payloads (under the cache's).
package store

import (
	"context"
	"errors"
	"io"
)

// ErrKeyNotFound is returned when a key has no object in the store.
var ErrKeyNotFound = errors.New("key not found in store")

// ObjectStore is the capability the core needs from a bulk store.
// Backends (shared filesystem, S3-compatible, sshfs mount) are a
// deployment choice; the core never inspects which one it got.
type ObjectStore interface {
	// Upload writes the object under key, replacing any existing one.
	Upload(ctx context.Context, key string, r io.Reader) error

	// Download returns a reader for the object. The caller closes it.
	// Returns ErrKeyNotFound if the key has no object.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether the key has an object.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, in unspecified
	// order.
	List(ctx context.Context, prefix string) ([]string, error)
}
