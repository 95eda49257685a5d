package clock

import (
	"sync"
	"time"
)

// Clock allows injecting time into services and controllers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

type fixedClock struct {
	now time.Time
}

// NewFixed returns a clock that always returns the same instant.
func NewFixed(instant time.Time) Clock {
	return fixedClock{now: instant.UTC()}
}

func (fixed fixedClock) Now() time.Time {
	return fixed.now
}

// Manual is a clock moved by hand, safe for concurrent use.
type Manual struct {
	mutex sync.Mutex
	now   time.Time
}

// NewManual starts a manual clock at instant.
func NewManual(instant time.Time) *Manual {
	return &Manual{now: instant.UTC()}
}

func (manual *Manual) Now() time.Time {
	manual.mutex.Lock()
	defer manual.mutex.Unlock()
	return manual.now
}

// Set moves the clock to instant.
func (manual *Manual) Set(instant time.Time) {
	manual.mutex.Lock()
	defer manual.mutex.Unlock()
	manual.now = instant.UTC()
}

// Advance moves the clock forward by step.
func (manual *Manual) Advance(step time.Duration) {
	manual.mutex.Lock()
	defer manual.mutex.Unlock()
	manual.now = manual.now.Add(step)
}

// UnixFunc adapts a Clock to the func() int64 shape the ledger service takes.
func UnixFunc(source Clock) func() int64 {
	return func() int64 {
		return source.Now().Unix()
	}
}
