package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/types"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&types.Event{Type: types.EventTaskSubmitted, TaskID: "T1"})

	select {
	case ev := <-sub:
		assert.Equal(t, types.EventTaskSubmitted, ev.Type)
		assert.Equal(t, "T1", ev.TaskID)
		assert.False(t, ev.Timestamp.IsZero(), "timestamp stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	// Channel is closed on unsubscribe.
	_, open := <-sub
	require.False(t, open)
}

func TestBrokerFullSubscriberSkipped(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	// Overflow the per-subscriber buffer; the broker must not block.
	for i := 0; i < 120; i++ {
		b.Publish(&types.Event{Type: types.EventTaskSubmitted})
	}
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(sub), 50)
}
