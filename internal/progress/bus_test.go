package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeByJob(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("job-1")
	other := b.Subscribe("job-2")

	b.Publish(&Event{JobID: "job-1", Status: "running", Percentage: 50})

	select {
	case ev := <-ch:
		assert.Equal(t, 50, ev.Percentage)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
	assert.Empty(t, other)
}

func TestSubscribeAll(t *testing.T) {
	b := NewBus()
	all := b.Subscribe("")

	b.Publish(&Event{JobID: "job-1", Status: "running"})
	b.Publish(&Event{JobID: "job-2", Status: "completed"})

	assert.Equal(t, "job-1", (<-all).JobID)
	assert.Equal(t, "job-2", (<-all).JobID)
}

func TestPublishPreservesOrder(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("job-1")

	for pct := 0; pct <= 100; pct += 25 {
		b.Publish(&Event{JobID: "job-1", Percentage: pct})
	}
	for pct := 0; pct <= 100; pct += 25 {
		assert.Equal(t, pct, (<-ch).Percentage)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	b.bufferSize = 2
	ch := b.Subscribe("job-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish(&Event{JobID: "job-1", Percentage: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Equal(t, int64(3), b.Dropped())
	assert.Len(t, ch, 2)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("job-1")
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op, not a panic.
	b.Publish(&Event{JobID: "job-1"})
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("job-1")

	b.Publish(&Event{JobID: "job-1"})
	assert.False(t, (<-ch).Timestamp.IsZero())
}

func TestSSEFrame(t *testing.T) {
	ev := &Event{
		JobID:      "job-1",
		Status:     "running",
		Percentage: 40,
		Timestamp:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	frame, err := ev.SSEFrame()
	require.NoError(t, err)

	s := string(frame)
	assert.True(t, len(s) > 0)
	assert.Contains(t, s, "event: progress\ndata: {")
	assert.Contains(t, s, `"job_id":"job-1"`)
	assert.Contains(t, s, `"percentage":40`)
	assert.Equal(t, "\n\n", s[len(s)-2:], fmt.Sprintf("frame must end with a blank line: %q", s))
}
