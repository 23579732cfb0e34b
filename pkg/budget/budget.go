// Package budget tracks the wall-clock allowance of one tick.
package budget

import (
	"math"
	"time"

	"github.com/cuemby/rebalancer/pkg/clock"
)

// Budget is a wall-clock allowance measured from its creation.
// A zero limit never runs out.
type Budget struct {
	clock clock.Clock
	start time.Time
	limit time.Duration
}

// New starts a budget of limit on c
func New(c clock.Clock, limit time.Duration) *Budget {
	return &Budget{clock: c, start: c.Now(), limit: limit}
}

// Unlimited returns a budget that is never exhausted
func Unlimited(c clock.Clock) *Budget {
	return New(c, 0)
}

// Limit returns the configured allowance
func (b *Budget) Limit() time.Duration {
	return b.limit
}

// Elapsed returns the time spent so far
func (b *Budget) Elapsed() time.Duration {
	return b.clock.Now().Sub(b.start)
}

// Remaining returns what is left of the allowance, never negative
func (b *Budget) Remaining() time.Duration {
	if b.limit == 0 {
		return time.Duration(math.MaxInt64)
	}
	left := b.limit - b.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// Exceeded reports whether the allowance is used up
func (b *Budget) Exceeded() bool {
	return b.limit != 0 && b.Elapsed() >= b.limit
}

// Deadline returns the instant the budget runs out
func (b *Budget) Deadline() (time.Time, bool) {
	if b.limit == 0 {
		return time.Time{}, false
	}
	return b.start.Add(b.limit), true
}

// Clock returns the clock the budget is measured on
func (b *Budget) Clock() clock.Clock {
	return b.clock
}
