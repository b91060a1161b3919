package streamclient

import (
	"math"
	"sync"
	"time"
)

// BackoffCalculator returns the delay before the reconnection that follows `attempts`
// previous failed attempts.
type BackoffCalculator func(attempts int) time.Duration

// LinearBackoff waits base*(attempts+1).
func LinearBackoff(base time.Duration) BackoffCalculator {
	return func(attempts int) time.Duration {
		return base * time.Duration(attempts+1)
	}
}

// ExponentialBackoffFrom waits base*2^attempts.
func ExponentialBackoffFrom(base time.Duration) BackoffCalculator {
	return func(attempts int) time.Duration {
		return time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	}
}

// reconnectController counts consecutive failed connections and schedules the next attempt.
// Once maxAttempts is reached it refuses to schedule until Reset.
type reconnectController struct {
	mu          sync.Mutex
	clock       Clock
	calculator  BackoffCalculator
	maxAttempts int
	attempts    int
	timer       Timer
	gen         uint64
}

func newReconnectController(clock Clock, maxAttempts int, calculator BackoffCalculator) *reconnectController {
	return &reconnectController{
		clock:       clock,
		calculator:  calculator,
		maxAttempts: maxAttempts,
	}
}

// Schedule arms a reconnection timer running fn. It returns the attempt number and delay, or
// ErrMaxReconnectAttempts when the budget is exhausted. A previously pending timer is replaced.
func (r *reconnectController) Schedule(fn func()) (attempt int, delay time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attempts >= r.maxAttempts {
		return r.attempts, 0, ErrMaxReconnectAttempts
	}

	delay = r.calculator(r.attempts)
	r.attempts++

	r.cancelLocked()
	gen := r.gen
	r.timer = r.clock.AfterFunc(delay, func() {
		if r.fire(gen) {
			fn()
		}
	})

	return r.attempts, delay, nil
}

// Cancel drops the pending reconnection, if any. Attempts are kept.
func (r *reconnectController) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
}

// Reset cancels the pending reconnection and zeroes the attempt counter.
func (r *reconnectController) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
	r.attempts = 0
}

// Succeeded zeroes the attempt counter after a successful open.
func (r *reconnectController) Succeeded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

func (r *reconnectController) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *reconnectController) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *reconnectController) fire(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return false
	}
	r.timer = nil
	return true
}

func (r *reconnectController) cancelLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}
