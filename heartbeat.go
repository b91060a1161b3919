package streamclient

import (
	"sync"
	"time"
)

// heartbeatMonitor sends periodic liveness probes and enforces a receive timeout on pongs.
// Timers only exist between Start and Stop (or expiry).
type heartbeatMonitor struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	timeout  time.Duration

	// gen invalidates callbacks of timers that fired after a Stop or a restart.
	gen           uint64
	running       bool
	probe         func()
	expire        func()
	intervalTimer Timer
	timeoutTimer  Timer
	lastPongAt    time.Time
}

func newHeartbeatMonitor(clock Clock, interval, timeout time.Duration) *heartbeatMonitor {
	return &heartbeatMonitor{
		clock:    clock,
		interval: interval,
		timeout:  timeout,
	}
}

// Start arms both timers. probe is called on every interval tick, expire once if no pong
// arrives within the timeout. Neither is called with the monitor lock held.
func (h *heartbeatMonitor) Start(probe, expire func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopLocked()
	h.gen++
	h.running = true
	h.probe = probe
	h.expire = expire
	h.lastPongAt = h.clock.Now()

	gen := h.gen
	if h.interval > 0 {
		h.intervalTimer = h.clock.AfterFunc(h.interval, func() { h.tick(gen) })
	}
	if h.timeout > 0 {
		h.timeoutTimer = h.clock.AfterFunc(h.timeout, func() { h.expired(gen) })
	}
}

// Stop cancels both timers. Safe to call when not running.
func (h *heartbeatMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopLocked()
	h.gen++
}

// Pong records a liveness reply and pushes the timeout forward.
func (h *heartbeatMonitor) Pong() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}

	h.lastPongAt = h.clock.Now()
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
	}
	if h.timeout > 0 {
		gen := h.gen
		h.timeoutTimer = h.clock.AfterFunc(h.timeout, func() { h.expired(gen) })
	}
}

func (h *heartbeatMonitor) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *heartbeatMonitor) LastPongAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPongAt
}

func (h *heartbeatMonitor) tick(gen uint64) {
	h.mu.Lock()
	if gen != h.gen || !h.running {
		h.mu.Unlock()
		return
	}
	h.intervalTimer = h.clock.AfterFunc(h.interval, func() { h.tick(gen) })
	probe := h.probe
	h.mu.Unlock()

	if probe != nil {
		probe()
	}
}

func (h *heartbeatMonitor) expired(gen uint64) {
	h.mu.Lock()
	if gen != h.gen || !h.running {
		h.mu.Unlock()
		return
	}
	expire := h.expire
	h.stopLocked()
	h.gen++
	h.mu.Unlock()

	if expire != nil {
		expire()
	}
}

func (h *heartbeatMonitor) stopLocked() {
	if h.intervalTimer != nil {
		h.intervalTimer.Stop()
		h.intervalTimer = nil
	}
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
		h.timeoutTimer = nil
	}
	h.running = false
	h.probe = nil
	h.expire = nil
}
