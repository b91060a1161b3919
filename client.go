package streamclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type (
	// Client keeps one persistent stream connection and fans inbound frames out to subscribers.
	Client interface {
		// Connect opens a connection to target with the provider token. It is a no-op when
		// already open or connecting to an equivalent target. It resets the reconnection budget.
		Connect(ctx context.Context, target Target) error
		// ConnectWithToken is Connect with an explicit token for this attempt. Reconnections pull
		// the token provider and fall back to token when it has none.
		ConnectWithToken(ctx context.Context, target Target, token string) error
		// Disconnect stops heartbeats and pending reconnections, closes the transport and drops
		// every frame subscription. Idempotent.
		Disconnect()
		// Dispose disconnects and releases the client for good.
		Dispose()

		// Send writes a frame without payload. It fails fast with ErrNotConnected or
		// ErrRateLimited, nothing is queued.
		Send(ctx context.Context, t FrameType) error
		// SendData writes a frame with payload, a nil data is sent as null.
		SendData(ctx context.Context, t FrameType, data any) error

		On(t FrameType, cb Callback) *Subscription
		Off(sub *Subscription)
		SubscribeToLogs(ctx context.Context, cb func(LogEntry), filters LogFilters) *Subscription
		SubscribeToTaskUpdates(ctx context.Context, taskID string, cb func(TaskUpdate)) *Subscription
		SubscribeToNotifications(cb func(Notification)) *Subscription

		// OnEvent registers an observer of connection lifecycle signals.
		OnEvent(t EventType, fn func(Event)) Unsubscribe

		State() ConnectionState
		IsConnected() bool
		Target() Target
		LastPongAt() time.Time
		Session() string
	}

	// Callback receives the raw data of a dispatched frame.
	Callback func(data json.RawMessage)

	ClientFactory func() (Client, error)
)

// Subscription groups the registry entries created by one subscribe call. Unsubscribe removes
// exactly those entries and is idempotent.
type Subscription struct {
	types     []FrameType
	disposers []Unsubscribe
	once      sync.Once
}

func newSubscription(types []FrameType, disposers ...Unsubscribe) *Subscription {
	return &Subscription{types: types, disposers: disposers}
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		for _, dispose := range s.disposers {
			dispose()
		}
	})
}

// Types returns the frame types this subscription listens to.
func (s *Subscription) Types() []FrameType {
	if s == nil {
		return nil
	}
	return append([]FrameType(nil), s.types...)
}
