package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwright/taskwright/pkg/types"
)

// TestPublishSubscribe tests basic event delivery
func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventTaskStatus, TaskID: "t1", Status: types.TaskStatusRunning})

	select {
	case ev := <-sub:
		assert.Equal(t, EventTaskStatus, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

// TestMultipleSubscribers tests fan-out to every subscriber
func TestMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventTaskLog, TaskID: "t1"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, "t1", ev.TaskID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}

// TestUnsubscribe tests that unsubscribing closes the channel once
func TestUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	// Double unsubscribe must not panic
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

// TestSlowSubscriberDropped tests that a full subscriber never blocks
// the broker
func TestSlowSubscriberDropped(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	// Overfill the subscriber buffer; publishes must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventTaskLog, TaskID: "t1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
