package streamclient

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	Option func(*options)

	options struct {
		ctx        context.Context
		logger     Logger
		clock      Clock
		tokens     TokenProvider
		transport  TransportFactory
		limiter    RateLimiter
		registerer prometheus.Registerer
	}
)

func defaultOptions() options {
	return options{
		ctx:    context.Background(),
		logger: NewNoopLogger(),
		clock:  SystemClock,
		tokens: noToken{},
	}
}

// WithContext sets the parent of the client lifecycle context, used for reconnections.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTokenProvider sets the source of the bearer token, pulled on every (re)connection.
func WithTokenProvider(p TokenProvider) Option {
	return func(o *options) { o.tokens = p }
}

// WithTransportFactory overrides the transport selected by Config.Transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(o *options) { o.transport = f }
}

// WithRateLimiter overrides the limiter selected by Config.RateLimit.
func WithRateLimiter(l RateLimiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithMetrics registers the client collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}
