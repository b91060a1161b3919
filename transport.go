package streamclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

type (
	// OpenConnectionParams is everything a transport needs to dial one connection attempt.
	OpenConnectionParams struct {
		URL    url.URL
		Header http.Header
	}

	// TransportEvents are the callbacks a transport reports to. OnMessage is called from a
	// single goroutine per connection, in wire order. OnClose is called at most once, after a
	// successful Open, when the connection ends for any reason; a transport error is reported
	// as a non nil err.
	TransportEvents struct {
		OnMessage func(data []byte)
		OnClose   func(err error)
	}

	// Transport is one duplex text connection. Each connection attempt gets a fresh Transport
	// from a TransportFactory.
	Transport interface {
		// Open dials and blocks until the connection is ready or failed.
		Open(ctx context.Context, params OpenConnectionParams) error
		// Write sends one text message.
		Write(ctx context.Context, data []byte) error
		// Close terminates the connection. Safe to call more than once, and before Open.
		Close()
	}

	// TransportFactory creates a transport bound to events.
	TransportFactory func(events TransportEvents) Transport
)

func (e TransportEvents) message(data []byte) {
	if e.OnMessage != nil {
		e.OnMessage(data)
	}
}

func (e TransportEvents) close(err error) {
	if e.OnClose != nil {
		e.OnClose(err)
	}
}

// NewTransportFactory returns the factory of the given kind, built with logger.
func NewTransportFactory(kind TransportKind, logger Logger) TransportFactory {
	switch kind {
	case TransportGorilla:
		return NewGorillaFactory(logger, nil)
	case TransportCoder:
		return NewCoderFactory(logger, nil)
	default:
		return NewWebsocketFactory(logger, nil, ErrorAdapters{})
	}
}

// CloseChan is closed when a connection ends.
type CloseChan chan struct{}

// connLifecycle is the close bookkeeping shared by the websocket adapters: the close channel,
// the first close reason, and the single OnClose notification.
type connLifecycle struct {
	events          TransportEvents
	closeChan       CloseChan
	closeOnce       sync.Once
	closeReason     error
	closeReasonOnce sync.Once
	opened          atomic.Bool
}

func newConnLifecycle(events TransportEvents) *connLifecycle {
	return &connLifecycle{
		events:    events,
		closeChan: make(CloseChan),
	}
}

func (l *connLifecycle) setCloseReason(err error) {
	l.closeReasonOnce.Do(func() {
		l.closeReason = err
	})
}

// shutdown runs release once, then reports OnClose if the connection had been opened.
func (l *connLifecycle) shutdown(release func()) {
	l.closeOnce.Do(func() {
		close(l.closeChan)
		if release != nil {
			release()
		}
		if l.opened.Load() {
			l.events.close(l.closeReason)
		}
	})
}

func (l *connLifecycle) isClosed() bool {
	select {
	case <-l.closeChan:
		return true
	default:
		return false
	}
}

// classifyDialError maps a failed handshake to the package errors. 429 responses wrap
// ErrRateLimit, auth rejections are flagged unrecoverable for the current token, anything else
// wraps ErrCannotConnect.
func classifyDialError(u url.URL, resp *http.Response, err error) error {
	if err == nil {
		return nil
	}

	var msg string
	if resp != nil {
		if resp.Body != nil {
			bts, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if readErr == nil {
				msg = string(bts)
			}
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return errors.Wrap(ErrRateLimit, msg)
		case http.StatusUnauthorized, http.StatusForbidden:
			return WrapErrorUnrecoverableConnection(
				errors.Wrapf(ErrCannotConnect, "status %d: %s", resp.StatusCode, msg),
				u,
			)
		}
	}

	return errors.Wrap(ErrCannotConnect, err.Error())
}
