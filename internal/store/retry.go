package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/slurmlink/slurmlink/internal/types"
)

// Retrying wraps an ObjectStore and retries transient failures with
// jittered exponential backoff. Only errors classified as
// types.ErrTransient are retried; everything else surfaces
// immediately.
type Retrying struct {
	inner      ObjectStore
	base       time.Duration
	maxRetries uint64
}

// NewRetrying wraps inner with up to maxRetries retries starting at
// the given base backoff.
func NewRetrying(inner ObjectStore, base time.Duration, maxRetries uint64) *Retrying {
	return &Retrying{inner: inner, base: base, maxRetries: maxRetries}
}

func (s *Retrying) backoff() retry.Backoff {
	b := retry.NewExponential(s.base)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(s.maxRetries, b)
}

func (s *Retrying) do(ctx context.Context, op func(context.Context) error) error {
	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		err := op(ctx)
		if errors.Is(err, types.ErrTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Upload buffers the payload so each retry replays the same bytes.
func (s *Retrying) Upload(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.inner.Upload(ctx, key, bytes.NewReader(data))
	})
}

// Download retries transient failures of the open itself; read errors
// after a reader is handed out are the caller's to handle.
func (s *Retrying) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		rc, err = s.inner.Download(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Exists reports whether the key has an object, retrying transient
// failures.
func (s *Retrying) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.inner.Exists(ctx, key)
		return err
	})
	return ok, err
}

// Delete removes the object, retrying transient failures.
func (s *Retrying) Delete(ctx context.Context, key string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.inner.Delete(ctx, key)
	})
}

// List returns all keys with the prefix, retrying transient failures.
func (s *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		keys, err = s.inner.List(ctx, prefix)
		return err
	})
	return keys, err
}
