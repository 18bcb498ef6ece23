// Package channel carries control messages between the local proxy
// and the remote worker over the shared bulk store. Delivery is
// at-least-once and unordered: a message stays visible until it is
// acknowledged, and a crash between receive and ack redelivers it.
// Consumers are required to be idempotent with respect to message
// payloads.
package channel

import (
	"context"
	"time"

	"github.com/slurmlink/slurmlink/internal/types"
)

// Direction names one of the two logical message flows. There are
// exactly two parties and no fan-out.
type Direction string

const (
	LocalToRemote Direction = "local-to-remote"
	RemoteToLocal Direction = "remote-to-local"
)

// Channel is the message transport contract. Backends differ only in
// how they move bytes; semantics are fixed here.
type Channel interface {
	// Send places the message in the direction's pending set and
	// returns its id.
	Send(ctx context.Context, dir Direction, msg *types.ControlMessage) (string, error)

	// Receive blocks up to timeout for a pending message in the
	// direction. Returns (nil, nil) on timeout; no message is not an
	// error. The message stays pending until Ack'd.
	Receive(ctx context.Context, dir Direction, timeout time.Duration) (*types.ControlMessage, error)

	// Ack marks the message processed; it moves to the archived set
	// and is never redelivered.
	Ack(ctx context.Context, dir Direction, messageID string) error

	// ListPending returns every unacknowledged message in the
	// direction. Used on restart to re-scan the inbound set before
	// entering the receive loop.
	ListPending(ctx context.Context, dir Direction) ([]*types.ControlMessage, error)
}
