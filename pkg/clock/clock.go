// Package clock abstracts time so pauses between submissions and budget
// checks can be driven deterministically in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the subset of the time package the controller depends on
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// FakeClock is a Clock whose time only moves when told to. After advances
// the clock by the requested duration and fires immediately, so code that
// pauses between steps runs instantly while still observing elapsed time.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	slept   time.Duration
}

// Fake returns a FakeClock starting at initial
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the fake time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After advances the clock by d and returns an already fired channel
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.current = c.current.Add(d)
		c.slept += d
	}
	ch := make(chan time.Time, 1)
	ch <- c.current
	return ch
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Slept returns the total duration waited through After
func (c *FakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}
