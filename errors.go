package streamclient

import (
	"fmt"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrConnectionClosed     = errors.New("connection has been closed")
	ErrCannotConnect        = errors.New("connection cannot be established")
	ErrTerminated           = errors.New("program exit")
	ErrRateLimit            = errors.New("rate limit exceeded")
	ErrRateLimited          = errors.New("send skipped by rate limiter")
	ErrNotConnected         = errors.New("stream is not connected")
	ErrDecode               = errors.New("malformed frame")
	ErrHeartbeatTimeout     = errors.New("no pong received within heartbeat timeout")
	ErrMaxReconnectAttempts = errors.New("max reconnection attempts reached")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrServer               = errors.New("server error")
)

// ServerError is pushed by the server through an `error` frame. It is advisory: the
// connection stays open.
type ServerError struct {
	Message    string
	RetryAfter time.Duration
}

func (e ServerError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("server error: %s (retry after %s)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("server error: %s", e.Message)
}

func (e ServerError) Unwrap() error { return ErrServer }

// IsRateLimit reports whether the server asked the client to slow down.
func (e ServerError) IsRateLimit() bool { return e.RetryAfter > 0 }

// SubscriberPanicError wraps a value recovered from a panicking subscriber.
type SubscriberPanicError struct {
	Key   any
	Value any
}

func (e SubscriberPanicError) Error() string {
	return fmt.Sprintf("subscriber for %v panicked: %v", e.Key, e.Value)
}

type ErrUnrecoverableConnection struct {
	err error
	url url.URL
}

func (e ErrUnrecoverableConnection) Error() string {
	return fmt.Sprintf("Unrecoverable connection error: %s to %s", e.err, e.url.Redacted())
}

func (e ErrUnrecoverableConnection) Unwrap() error { return e.err }

func WrapErrorUnrecoverableConnection(err error, url url.URL) *ErrUnrecoverableConnection {
	if err == nil {
		return nil
	}
	return &ErrUnrecoverableConnection{
		err: err,
		url: url,
	}
}
