// Package events fans task lifecycle notifications out to in-process
// subscribers: the websocket feed and anything else that wants to watch
// tasks change without polling.
package events

import (
	"sync"
	"time"
)

// Event kinds.
const (
	KindStatus = "task.status"
	KindLog    = "task.log"
	KindQuota  = "quota.changed"
)

// AllTasks subscribes to events for every task.
const AllTasks int64 = -1

// Event is one task notification.
type Event struct {
	Kind    string         `json:"kind"`
	TaskID  int64          `json:"task_id"`
	Status  string         `json:"status,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events for taskID, or for all
	// tasks when taskID is AllTasks.
	Subscribe(taskID int64) <-chan Event
	Unsubscribe(taskID int64, ch <-chan Event)
	Close()
}

// Memory is the in-process Publisher.
type Memory struct {
	mu     sync.RWMutex
	subs   map[int64][]chan Event
	buffer int
	closed bool
}

// NewMemory creates a Memory publisher.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int64][]chan Event), buffer: 100}
}

// Publish delivers the event to the task's subscribers and to AllTasks
// subscribers. Delivery is non-blocking: a subscriber with a full buffer
// misses the event.
func (m *Memory) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	for _, ch := range m.subs[e.TaskID] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range m.subs[AllTasks] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber channel.
func (m *Memory) Subscribe(taskID int64) <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, m.buffer)
	m.subs[taskID] = append(m.subs[taskID], ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Memory) Unsubscribe(taskID int64, ch <-chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[taskID]
	for i, sub := range subs {
		if sub == ch {
			m.subs[taskID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(m.subs[taskID]) == 0 {
		delete(m.subs, taskID)
	}
}

// Close shuts the publisher down and closes every subscriber channel.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.subs, id)
	}
}

// Nop discards everything; used in tests.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int64) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (Nop) Unsubscribe(int64, <-chan Event) {}

func (Nop) Close() {}
