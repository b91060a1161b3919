package streamclient

import "time"

type (
	// Timer is a scheduled callback that can be cancelled.
	Timer interface {
		Stop() bool
	}

	// Clock is the time source of the client. All timers of the heartbeat monitor, the rate
	// limiter and the reconnection controller are created through it.
	Clock interface {
		Now() time.Time
		AfterFunc(d time.Duration, f func()) Timer
	}

	systemClock struct{}
)

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
