package quiz

import "time"

// Timer is a pending deadline callback.
type Timer interface {
	Stop() bool
}

// Clock schedules deadline callbacks. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
