package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestPublishToEverySubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	first := b.Subscribe()
	second := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventTickFinished, Message: "tick done"})

	for _, sub := range []Subscriber{first, second} {
		e := receive(t, sub)
		assert.Equal(t, EventTickFinished, e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestPublishKeepsIDAndTimestamp(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Publish(&Event{ID: "tick-1", Type: EventTickFailed, Timestamp: at})

	e := receive(t, sub)
	assert.Equal(t, "tick-1", e.ID)
	assert.Equal(t, at, e.Timestamp)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventBatchSubmitted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked without a running broker")
	}

	b.Stop()
	b.Stop()
	b.Publish(&Event{Type: EventBatchRejected})
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := 0; i < 60; i++ {
		b.Publish(&Event{Type: EventBatchSubmitted})
		receive(t, fast)
	}
	require.Len(t, slow, cap(slow))
}
