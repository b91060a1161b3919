package streamclient

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeTransport is an in-memory Transport. Open succeeds synchronously unless openErr is set.
// Tests drive inbound traffic with Receive and network failures with Drop.
type fakeTransport struct {
	mu       sync.Mutex
	events   TransportEvents
	openErr  error
	writeErr error
	params   OpenConnectionParams
	opened   bool
	closed   bool
	writes   [][]byte
}

func (f *fakeTransport) Open(_ context.Context, p OpenConnectionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.params = p
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeTransport) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || !f.opened {
		return ErrConnectionClosed
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// Receive delivers a raw text frame as if read from the wire.
func (f *fakeTransport) Receive(raw string) {
	f.events.message([]byte(raw))
}

// Drop simulates the network closing the connection.
func (f *fakeTransport) Drop(err error) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.events.close(err)
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) Params() OpenConnectionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

// Sent decodes every written frame.
func (f *fakeTransport) Sent() []outboundFrame {
	f.mu.Lock()
	defer f.mu.Unlock()

	frames := make([]outboundFrame, 0, len(f.writes))
	for _, w := range f.writes {
		var o outboundFrame
		if err := json.Unmarshal(w, &o); err == nil {
			frames = append(frames, o)
		}
	}
	return frames
}

// SentOf counts written frames of type t.
func (f *fakeTransport) SentOf(t FrameType) int {
	n := 0
	for _, o := range f.Sent() {
		if o.Type == t {
			n++
		}
	}
	return n
}

// fakeNetwork hands out fakeTransports and records every one of them.
type fakeNetwork struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failures   []error
	failAll    error
}

func (n *fakeNetwork) Factory() TransportFactory {
	return func(events TransportEvents) Transport {
		n.mu.Lock()
		defer n.mu.Unlock()

		t := &fakeTransport{events: events}
		switch {
		case len(n.failures) > 0:
			t.openErr = n.failures[0]
			n.failures = n.failures[1:]
		case n.failAll != nil:
			t.openErr = n.failAll
		}
		n.transports = append(n.transports, t)
		return t
	}
}

// FailNext makes the next len(errs) opens fail with errs, in order.
func (n *fakeNetwork) FailNext(errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, errs...)
}

// FailAll makes every following open fail with err, nil restores success.
func (n *fakeNetwork) FailAll(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failAll = err
}

func (n *fakeNetwork) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.transports)
}

func (n *fakeNetwork) Last() *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.transports) == 0 {
		return nil
	}
	return n.transports[len(n.transports)-1]
}
