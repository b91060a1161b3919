package streamclient

import (
	"fmt"
	"time"
)

// ConnectionState is the lifecycle state of the stream client.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventType classifies observer notifications.
type EventType int

const (
	// EventStateChange fires on every ConnectionState transition.
	EventStateChange EventType = iota
	// EventReconnectScheduled fires when a reconnection timer is armed.
	EventReconnectScheduled
	// EventReconnectFailed fires once the attempt budget is exhausted. Err wraps
	// ErrMaxReconnectAttempts. Terminal until the next explicit Connect.
	EventReconnectFailed
	// EventHeartbeatTimeout fires when no pong arrived in time and the connection is dropped.
	EventHeartbeatTimeout
	// EventServerError fires for `error` frames. Err is a ServerError.
	EventServerError
	// EventDecodeError fires for frames that could not be decoded. Err wraps ErrDecode.
	EventDecodeError
)

func (t EventType) String() string {
	switch t {
	case EventStateChange:
		return "state_change"
	case EventReconnectScheduled:
		return "reconnect_scheduled"
	case EventReconnectFailed:
		return "reconnect_failed"
	case EventHeartbeatTimeout:
		return "heartbeat_timeout"
	case EventServerError:
		return "server_error"
	case EventDecodeError:
		return "decode_error"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is an observer notification. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	State    ConnectionState
	Previous ConnectionState
	Target   Target
	Attempt  int
	Delay    time.Duration
	Err      error
}
