package types

import "time"

// MessageKind identifies the payload variant carried by a
// ControlMessage. The set is closed; receivers reject anything else.
type MessageKind string

const (
	MsgSubmitTask    MessageKind = "submit_task"
	MsgCancelTask    MessageKind = "cancel_task"
	MsgStatusQuery   MessageKind = "status_query"
	MsgStatusUpdate  MessageKind = "status_update"
	MsgTaskCompleted MessageKind = "task_completed"
	MsgHeartbeat     MessageKind = "heartbeat"
	MsgAck           MessageKind = "ack"
)

// ControlMessage is the envelope exchanged between the proxy and the
// remote worker over the shared store. Exactly one payload field is
// set, selected by Kind. CreatedAt is informational only; ordering
// decisions are never based on it.
type ControlMessage struct {
	MessageID string      `cbor:"messageId" json:"messageId"`
	Kind      MessageKind `cbor:"kind" json:"kind"`
	CreatedAt time.Time   `cbor:"createdAt" json:"createdAt"`

	Submit    *SubmitPayload    `cbor:"submit,omitempty" json:"submit,omitempty"`
	Cancel    *CancelPayload    `cbor:"cancel,omitempty" json:"cancel,omitempty"`
	Query     *QueryPayload     `cbor:"query,omitempty" json:"query,omitempty"`
	Status    *StatusPayload    `cbor:"status,omitempty" json:"status,omitempty"`
	Completed *CompletedPayload `cbor:"completed,omitempty" json:"completed,omitempty"`
	Heartbeat *HeartbeatPayload `cbor:"heartbeat,omitempty" json:"heartbeat,omitempty"`
	Ack       *AckPayload       `cbor:"ack,omitempty" json:"ack,omitempty"`
}

// SubmitPayload carries everything the remote worker needs to rebuild
// its working copy of a task and drive scheduler submission.
type SubmitPayload struct {
	Task Task `cbor:"task" json:"task"`
}

// CancelPayload asks the remote worker to stop a task.
type CancelPayload struct {
	TaskID string `cbor:"taskId" json:"taskId"`
}

// QueryPayload asks the remote worker for the current status of a
// task; the reply arrives as a regular StatusPayload.
type QueryPayload struct {
	TaskID string `cbor:"taskId" json:"taskId"`
}

// StatusPayload reports a task's mapped scheduler status. It is
// applied through the lifecycle transition gate, so duplicates and
// stale reorderings are harmless.
type StatusPayload struct {
	TaskID       string     `cbor:"taskId" json:"taskId"`
	Status       TaskStatus `cbor:"status" json:"status"`
	SchedulerJob string     `cbor:"schedulerJob,omitempty" json:"schedulerJob,omitempty"`
	Error        string     `cbor:"error,omitempty" json:"error,omitempty"`
}

// CompletedPayload reports a terminal outcome together with result
// metadata and the store key of the uploaded result archive.
type CompletedPayload struct {
	TaskID    string     `cbor:"taskId" json:"taskId"`
	Status    TaskStatus `cbor:"status" json:"status"` // completed, failed or canceled
	ExitCode  *int       `cbor:"exitCode,omitempty" json:"exitCode,omitempty"`
	Usage     Usage      `cbor:"usage" json:"usage"`
	Error     string     `cbor:"error,omitempty" json:"error,omitempty"`
	ResultKey string     `cbor:"resultKey,omitempty" json:"resultKey,omitempty"`
}

// HeartbeatPayload signals that the remote worker is alive and how
// many non-terminal tasks it is tracking.
type HeartbeatPayload struct {
	Tracked int `cbor:"tracked" json:"tracked"`
}

// AckPayload confirms that a specific message was processed. Used for
// intents (cancel) whose effect is otherwise only visible later.
type AckPayload struct {
	MessageID string `cbor:"messageId" json:"messageId"`
	TaskID    string `cbor:"taskId,omitempty" json:"taskId,omitempty"`
}
