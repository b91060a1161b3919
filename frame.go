package streamclient

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType is the routing tag carried by every frame on the wire.
type FrameType string

const (
	// FramePing is the client to server liveness probe.
	FramePing FrameType = "ping"
	// FramePong is the server reply to a ping. It carries a timestamp.
	FramePong FrameType = "pong"
	// FrameError is pushed by the server. It may carry retry_after seconds.
	FrameError FrameType = "error"

	FrameLogEntry     FrameType = "log_entry"
	FrameTaskStatus   FrameType = "task_status"
	FrameTaskProgress FrameType = "task_progress"
	FrameTaskComplete FrameType = "task_complete"
	FrameNotification FrameType = "notification"
)

// TaskFrameTypes are the frame types that make up a task update subscription.
var TaskFrameTypes = []FrameType{FrameTaskStatus, FrameTaskProgress, FrameTaskComplete}

func (t FrameType) Is(other FrameType) bool {
	return t == other
}

func (t FrameType) IsPing() bool {
	return t.Is(FramePing)
}

func (t FrameType) IsPong() bool {
	return t.Is(FramePong)
}

func (t FrameType) IsError() bool {
	return t.Is(FrameError)
}

// IsHeartbeat reports whether the frame belongs to the liveness protocol.
func (t FrameType) IsHeartbeat() bool {
	return t.IsPing() || t.IsPong()
}

// IsReserved reports whether frames of this type are consumed by the client itself
// and never dispatched to subscribers.
func (t FrameType) IsReserved() bool {
	return t.IsHeartbeat() || t.IsError()
}

func (t FrameType) String() string {
	return string(t)
}

// Frame is one decoded inbound unit of the wire protocol.
type Frame struct {
	Type       FrameType       `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Message    string          `json:"message,omitempty"`
	RetryAfter *float64        `json:"retry_after,omitempty"`
}

// HasData reports whether the frame carried a data field, including an explicit null.
func (f Frame) HasData() bool {
	return len(f.Data) > 0
}

// RetryAfterDuration converts the retry_after seconds hint, zero if absent.
func (f Frame) RetryAfterDuration() time.Duration {
	if f.RetryAfter == nil || *f.RetryAfter <= 0 {
		return 0
	}
	return time.Duration(*f.RetryAfter * float64(time.Second))
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{type=%s,data=%s}", f.Type, f.Data)
}

// LogEntry is the payload of log_entry frames.
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// TaskUpdate is delivered for any of the task frame types. Data holds the raw payload, whose
// shape depends on Type.
type TaskUpdate struct {
	Type FrameType
	Data json.RawMessage
}

// Notification is the payload of notification frames.
type Notification struct {
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Level     string          `json:"level,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}
