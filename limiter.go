package streamclient

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether an outbound frame may be sent now. A denial means "send
// skipped"; limiters never queue.
type RateLimiter interface {
	TryConsume(t FrameType) bool
}

// windowRateLimiter counts sends in fixed windows that reset in discrete steps. A margin of
// the quota is kept free for control traffic and jitter.
type windowRateLimiter struct {
	mu          sync.Mutex
	clock       Clock
	quota       int
	margin      int
	window      time.Duration
	count       int
	windowStart time.Time
}

// NewWindowRateLimiter returns a fixed window limiter allowing quota-margin sends per window.
func NewWindowRateLimiter(cfg RateLimitConfig, clock Clock) RateLimiter {
	if clock == nil {
		clock = SystemClock
	}
	return &windowRateLimiter{
		clock:       clock,
		quota:       cfg.Quota,
		margin:      cfg.Margin,
		window:      cfg.Window,
		windowStart: clock.Now(),
	}
}

func (l *windowRateLimiter) TryConsume(t FrameType) bool {
	if t.IsHeartbeat() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.windowStart) >= l.window {
		l.count = 0
		l.windowStart = now
	}

	if l.count >= l.quota-l.margin {
		return false
	}

	l.count++
	return true
}

type tokenBucketRateLimiter struct {
	clock   Clock
	limiter *rate.Limiter
}

// NewTokenBucketRateLimiter returns a limiter smoothing sends to r per second with the given
// burst. Heartbeat frames are exempt.
func NewTokenBucketRateLimiter(r rate.Limit, burst int, clock Clock) RateLimiter {
	if clock == nil {
		clock = SystemClock
	}
	return &tokenBucketRateLimiter{clock: clock, limiter: rate.NewLimiter(r, burst)}
}

func (l *tokenBucketRateLimiter) TryConsume(t FrameType) bool {
	if t.IsHeartbeat() {
		return true
	}
	return l.limiter.AllowN(l.clock.Now(), 1)
}

type unlimited struct{}

func (unlimited) TryConsume(FrameType) bool { return true }

// newRateLimiter builds the limiter selected by cfg.
func newRateLimiter(cfg RateLimitConfig, clock Clock) RateLimiter {
	switch cfg.Strategy {
	case RateLimitNone:
		return unlimited{}
	case RateLimitTokenBucket:
		return NewTokenBucketRateLimiter(rate.Limit(cfg.RPS), cfg.Burst, clock)
	default:
		return NewWindowRateLimiter(cfg, clock)
	}
}
