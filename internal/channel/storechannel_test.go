package channel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/slurmlink/slurmlink/internal/store"
	"github.com/slurmlink/slurmlink/internal/types"
)

func newTestChannel(t *testing.T) *StoreChannel {
	t.Helper()
	fs, err := store.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create filesystem store: %v", err)
	}
	return NewStoreChannel(fs, 10*time.Millisecond)
}

func TestSendAndReceive(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	sent := &types.ControlMessage{
		Kind:   types.MsgCancelTask,
		Cancel: &types.CancelPayload{TaskID: "task-1"},
	}
	id, err := ch.Send(ctx, LocalToRemote, sent)
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a message id to be assigned")
	}

	got, err := ch.Receive(ctx, LocalToRemote, time.Second)
	if err != nil {
		t.Fatalf("Failed to receive: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a message, got nil")
	}
	if got.MessageID != id {
		t.Errorf("Expected message id %s, got %s", id, got.MessageID)
	}
	if got.Kind != types.MsgCancelTask {
		t.Errorf("Expected kind %s, got %s", types.MsgCancelTask, got.Kind)
	}
	if got.Cancel == nil || got.Cancel.TaskID != "task-1" {
		t.Errorf("Expected cancel payload for task-1, got %+v", got.Cancel)
	}
}

func TestReceiveTimeout(t *testing.T) {
	ch := newTestChannel(t)

	start := time.Now()
	msg, err := ch.Receive(context.Background(), LocalToRemote, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected no error on timeout, got %v", err)
	}
	if msg != nil {
		t.Errorf("Expected nil message on timeout, got %+v", msg)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Expected Receive to wait out the timeout")
	}
}

func TestDirectionsAreIndependent(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	if _, err := ch.Send(ctx, LocalToRemote, &types.ControlMessage{Kind: types.MsgStatusQuery}); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	msg, err := ch.Receive(ctx, RemoteToLocal, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to receive: %v", err)
	}
	if msg != nil {
		t.Errorf("Expected nothing in the opposite direction, got %+v", msg)
	}
}

func TestRedeliveryUntilAcked(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	id, err := ch.Send(ctx, LocalToRemote, &types.ControlMessage{Kind: types.MsgStatusQuery})
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	// An unacked message stays pending and is delivered again.
	for i := 0; i < 3; i++ {
		msg, err := ch.Receive(ctx, LocalToRemote, time.Second)
		if err != nil {
			t.Fatalf("Failed to receive (attempt %d): %v", i, err)
		}
		if msg == nil || msg.MessageID != id {
			t.Fatalf("Expected redelivery of %s, got %+v", id, msg)
		}
	}

	if err := ch.Ack(ctx, LocalToRemote, id); err != nil {
		t.Fatalf("Failed to ack: %v", err)
	}

	msg, err := ch.Receive(ctx, LocalToRemote, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to receive after ack: %v", err)
	}
	if msg != nil {
		t.Errorf("Expected no delivery after ack, got %+v", msg)
	}
}

func TestReceiveSkipsUndecodableMessage(t *testing.T) {
	fs, err := store.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create filesystem store: %v", err)
	}
	ch := NewStoreChannel(fs, 10*time.Millisecond)
	ctx := context.Background()

	// A corrupt object whose key sorts ahead of every real message.
	badKey := pendingKey(LocalToRemote, "0000-garbage")
	if err := fs.Upload(ctx, badKey, bytes.NewReader([]byte("not cbor"))); err != nil {
		t.Fatalf("Failed to plant corrupt object: %v", err)
	}

	id, err := ch.Send(ctx, LocalToRemote, &types.ControlMessage{
		Kind:   types.MsgCancelTask,
		Cancel: &types.CancelPayload{TaskID: "task-1"},
	})
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	got, err := ch.Receive(ctx, LocalToRemote, time.Second)
	if err != nil {
		t.Fatalf("Failed to receive past the corrupt object: %v", err)
	}
	if got == nil || got.MessageID != id {
		t.Fatalf("Expected message %s, got %+v", id, got)
	}

	// The corrupt object is out of the pending set and set aside.
	if exists, _ := fs.Exists(ctx, badKey); exists {
		t.Error("Expected the corrupt object to leave the pending set")
	}
	if exists, _ := fs.Exists(ctx, rejectedKey(LocalToRemote, "0000-garbage")); !exists {
		t.Error("Expected the corrupt object under the rejected prefix")
	}

	msgs, err := ch.ListPending(ctx, LocalToRemote)
	if err != nil {
		t.Fatalf("Failed to list pending: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("Expected 1 pending message, got %d", len(msgs))
	}
}

func TestAckIdempotent(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	id, err := ch.Send(ctx, LocalToRemote, &types.ControlMessage{Kind: types.MsgStatusQuery})
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	if err := ch.Ack(ctx, LocalToRemote, id); err != nil {
		t.Fatalf("Failed to ack: %v", err)
	}
	// A second ack of the same message is harmless.
	if err := ch.Ack(ctx, LocalToRemote, id); err != nil {
		t.Errorf("Expected double ack to be a no-op, got %v", err)
	}
	// So is acking a message that never existed.
	if err := ch.Ack(ctx, LocalToRemote, "never-sent"); err != nil {
		t.Errorf("Expected unknown ack to be a no-op, got %v", err)
	}
}

func TestListPending(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		id, err := ch.Send(ctx, RemoteToLocal, &types.ControlMessage{
			Kind:   types.MsgStatusUpdate,
			Status: &types.StatusPayload{TaskID: "task-1", Status: types.TaskRunning},
		})
		if err != nil {
			t.Fatalf("Failed to send: %v", err)
		}
		ids[id] = true
	}

	pending, err := ch.ListPending(ctx, RemoteToLocal)
	if err != nil {
		t.Fatalf("Failed to list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected 3 pending messages, got %d", len(pending))
	}
	for _, msg := range pending {
		if !ids[msg.MessageID] {
			t.Errorf("Unexpected pending message %s", msg.MessageID)
		}
	}

	if err := ch.Ack(ctx, RemoteToLocal, pending[0].MessageID); err != nil {
		t.Fatalf("Failed to ack: %v", err)
	}
	pending, err = ch.ListPending(ctx, RemoteToLocal)
	if err != nil {
		t.Fatalf("Failed to list pending after ack: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Expected 2 pending messages after ack, got %d", len(pending))
	}
}

func TestCodecRoundTrip(t *testing.T) {
	exitCode := 1
	msg := &types.ControlMessage{
		MessageID: "m-1",
		Kind:      types.MsgTaskCompleted,
		CreatedAt: time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC),
		Completed: &types.CompletedPayload{
			TaskID:    "task-1",
			Status:    types.TaskFailed,
			ExitCode:  &exitCode,
			Usage:     types.Usage{CPUSeconds: 120, GPUSeconds: 60},
			Error:     "OOM",
			ResultKey: "results/task-1.tar.zst",
		},
	}

	data, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	got, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	if got.MessageID != msg.MessageID || got.Kind != msg.Kind {
		t.Errorf("Envelope mismatch: %+v", got)
	}
	if got.Completed == nil {
		t.Fatal("Expected completed payload")
	}
	if got.Completed.ExitCode == nil || *got.Completed.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %v", got.Completed.ExitCode)
	}
	if got.Completed.Usage.CPUSeconds != 120 {
		t.Errorf("Expected 120 CPU seconds, got %v", got.Completed.Usage.CPUSeconds)
	}

	// Deterministic encoding: the same message encodes to the same
	// bytes.
	again, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("Failed to re-encode: %v", err)
	}
	if string(data) != string(again) {
		t.Error("Expected deterministic encoding")
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := decodeMessage([]byte("not cbor at all")); err == nil {
		t.Error("Expected an error decoding garbage")
	}
}
