package budget

import (
	"testing"
	"time"

	"github.com/cuemby/rebalancer/pkg/clock"
	"github.com/stretchr/testify/assert"
)

func TestBudget(t *testing.T) {
	c := clock.Fake(time.Unix(1000, 0))
	b := New(c, time.Minute)

	assert.Equal(t, time.Minute, b.Remaining())
	assert.False(t, b.Exceeded())

	c.Advance(45 * time.Second)
	assert.Equal(t, 15*time.Second, b.Remaining())
	assert.Equal(t, 45*time.Second, b.Elapsed())

	c.Advance(20 * time.Second)
	assert.Equal(t, time.Duration(0), b.Remaining())
	assert.True(t, b.Exceeded())

	deadline, ok := b.Deadline()
	assert.True(t, ok)
	assert.Equal(t, time.Unix(1060, 0), deadline)
}

func TestUnlimited(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	b := Unlimited(c)

	c.Advance(1000 * time.Hour)
	assert.False(t, b.Exceeded())
	assert.Greater(t, b.Remaining(), 1000*time.Hour)

	_, ok := b.Deadline()
	assert.False(t, ok)
}
