package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"path"
	"sort"
	"time"

	"github.com/slurmlink/slurmlink/internal/metrics"
	"github.com/slurmlink/slurmlink/internal/store"
	"github.com/slurmlink/slurmlink/internal/types"
)

// StoreChannel implements Channel by polling a shared object store.
// Each direction keeps two disjoint key prefixes: pending/ for
// undelivered messages and archived/ for acknowledged ones. Moving an
// object between them is the ack. The store offers no total order, so
// neither does the channel.
type StoreChannel struct {
	store        store.ObjectStore
	pollInterval time.Duration
}

// NewStoreChannel creates a channel over the given store, polling for
// pending messages at the given interval during Receive.
func NewStoreChannel(s store.ObjectStore, pollInterval time.Duration) *StoreChannel {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &StoreChannel{store: s, pollInterval: pollInterval}
}

func pendingKey(dir Direction, messageID string) string {
	return fmt.Sprintf("channel/%s/pending/%s", dir, messageID)
}

func archivedKey(dir Direction, messageID string) string {
	return fmt.Sprintf("channel/%s/archived/%s", dir, messageID)
}

func pendingPrefix(dir Direction) string {
	return fmt.Sprintf("channel/%s/pending/", dir)
}

func rejectedKey(dir Direction, messageID string) string {
	return fmt.Sprintf("channel/%s/rejected/%s", dir, messageID)
}

// Send encodes the message and places it in the direction's pending
// set. Assigns a message id if the sender did not.
func (c *StoreChannel) Send(ctx context.Context, dir Direction, msg *types.ControlMessage) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return "", err
	}
	if err := c.store.Upload(ctx, pendingKey(dir, msg.MessageID), bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to send message %s: %w", msg.MessageID, err)
	}
	metrics.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()
	return msg.MessageID, nil
}

// Receive blocks up to timeout for a pending message. Returns
// (nil, nil) when the timeout elapses with nothing pending.
func (c *StoreChannel) Receive(ctx context.Context, dir Direction, timeout time.Duration) (*types.ControlMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := c.receiveOne(ctx, dir)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			metrics.MessagesReceived.WithLabelValues(string(msg.Kind)).Inc()
			return msg, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := c.pollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// receiveOne returns one pending message, or nil if none exist. Keys
// are scanned in sorted order only so redelivery of the same backlog
// is stable; no ordering guarantee follows from it.
func (c *StoreChannel) receiveOne(ctx context.Context, dir Direction) (*types.ControlMessage, error) {
	keys, err := c.store.List(ctx, pendingPrefix(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rc, err := c.store.Download(ctx, key)
		if err != nil {
			// The other party never deletes pending objects, but a
			// concurrent consumer of the same direction can race us.
			if errors.Is(err, store.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to download message %s: %w", key, err)
		}
		data, readErr := io.ReadAll(rc)
		rc.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message %s: %w", key, readErr)
		}

		msg, err := decodeMessage(data)
		if err != nil {
			// One bad object must not block the rest of the backlog.
			c.quarantine(ctx, dir, key, data, err)
			continue
		}
		return msg, nil
	}
	return nil, nil
}

// quarantine moves an undecodable pending object to the rejected
// prefix so it stops redelivering.
func (c *StoreChannel) quarantine(ctx context.Context, dir Direction, key string, data []byte, decodeErr error) {
	log.Printf("channel: undecodable message at %s: %v", key, decodeErr)
	metrics.ProtocolAnomalies.Inc()

	if err := c.store.Upload(ctx, rejectedKey(dir, path.Base(key)), bytes.NewReader(data)); err != nil {
		log.Printf("channel: failed to set aside %s: %v", key, err)
		return
	}
	if err := c.store.Delete(ctx, key); err != nil {
		log.Printf("channel: failed to remove rejected message %s: %v", key, err)
	}
}

// Ack moves the message from pending to archived. Acking an already
// archived message is a no-op, which makes redelivered acks harmless.
func (c *StoreChannel) Ack(ctx context.Context, dir Direction, messageID string) error {
	src := pendingKey(dir, messageID)
	rc, err := c.store.Download(ctx, src)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read message for ack %s: %w", messageID, err)
	}
	data, readErr := io.ReadAll(rc)
	rc.Close()
	if readErr != nil {
		return fmt.Errorf("failed to read message for ack %s: %w", messageID, readErr)
	}

	if err := c.store.Upload(ctx, archivedKey(dir, messageID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to archive message %s: %w", messageID, err)
	}
	if err := c.store.Delete(ctx, src); err != nil {
		return fmt.Errorf("failed to remove pending message %s: %w", messageID, err)
	}
	metrics.MessagesAcked.Inc()
	return nil
}

// ListPending returns every unacknowledged message in the direction.
func (c *StoreChannel) ListPending(ctx context.Context, dir Direction) ([]*types.ControlMessage, error) {
	keys, err := c.store.List(ctx, pendingPrefix(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	sort.Strings(keys)

	msgs := make([]*types.ControlMessage, 0, len(keys))
	for _, key := range keys {
		rc, err := c.store.Download(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to download message %s: %w", key, err)
		}
		data, readErr := io.ReadAll(rc)
		rc.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message %s: %w", key, readErr)
		}
		msg, err := decodeMessage(data)
		if err != nil {
			c.quarantine(ctx, dir, key, data, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// NewMessageID generates a sender-unique message identifier.
func NewMessageID() string {
	return time.Now().UTC().Format("20060102150405") + "-" + randString(8)
}

func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			panic(err)
		}
		b[i] = letters[idx.Int64()]
	}
	return string(b)
}
