package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesTaskAndGlobalSubscribers(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	taskCh := m.Subscribe(7)
	allCh := m.Subscribe(AllTasks)
	otherCh := m.Subscribe(8)

	m.Publish(Event{Kind: KindStatus, TaskID: 7, Status: "RUNNING"})

	got := <-taskCh
	assert.Equal(t, int64(7), got.TaskID)
	assert.Equal(t, "RUNNING", got.Status)
	assert.False(t, got.At.IsZero(), "publish must stamp the event")

	got = <-allCh
	assert.Equal(t, int64(7), got.TaskID)

	select {
	case e := <-otherCh:
		t.Fatalf("subscriber for task 8 received %+v", e)
	default:
	}
}

func TestPublishNonBlocking(t *testing.T) {
	m := NewMemory()
	m.buffer = 1
	defer m.Close()

	ch := m.Subscribe(1)
	// Fill the buffer; the second publish must be dropped, not deadlock.
	m.Publish(Event{Kind: KindStatus, TaskID: 1, Status: "RUNNING"})
	m.Publish(Event{Kind: KindStatus, TaskID: 1, Status: "FAILED"})

	first := <-ch
	assert.Equal(t, "RUNNING", first.Status)
	select {
	case e := <-ch:
		t.Fatalf("expected dropped event, got %+v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ch := m.Subscribe(3)
	m.Unsubscribe(3, ch)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op.
	m.Publish(Event{Kind: KindStatus, TaskID: 3})
}

func TestCloseIsTerminal(t *testing.T) {
	m := NewMemory()
	ch := m.Subscribe(1)
	m.Close()

	_, open := <-ch
	require.False(t, open)

	// Subscriptions after close come back already closed.
	_, open = <-m.Subscribe(2)
	assert.False(t, open)
}
