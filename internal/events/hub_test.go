package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(JobFinished, JobEvent{JobID: "j1", Kind: "extract", Status: "success"})

	select {
	case ev := <-ch:
		assert.Equal(t, JobFinished, ev.Type)
		assert.Equal(t, "j1", ev.JobID())
		assert.EqualValues(t, 1, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRingKeepsNewest(t *testing.T) {
	h := NewHub(2)
	for i := 0; i < 5; i++ {
		h.Publish(JobSubmitted, nil)
	}
	snap := h.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.EqualValues(t, 4, snap[0].ID)
	assert.EqualValues(t, 5, snap[1].ID)

	assert.Len(t, h.SnapshotSince(4), 1)
	assert.Empty(t, h.SnapshotSince(5))
}

func TestCancelClosesOnce(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	h.Publish(JobRunning, JobEvent{JobID: "x"})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(1)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(JobRunning, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
