// Package notify carries the node's outbound messages. The core only
// ever talks to the Sink interface; transports queue, drop on
// backpressure, or forward over HTTP without the pipeline knowing.
package notify

import (
	"sync"
	"time"
)

// Priority grades a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is one outbound message.
type Notification struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Body     string                 `json:"body"`
	Priority Priority               `json:"priority"`
	Context  map[string]interface{} `json:"context,omitempty"`
	At       time.Time              `json:"at"`
}

// Sink is the delivery contract. Notify reports whether the message
// was accepted for delivery; a dropped message returns false, never an
// error, because notification loss is tolerated by design of the
// callers.
type Sink interface {
	Notify(notifType, title, body string, priority Priority, context map[string]interface{}) bool
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Notify(string, string, string, Priority, map[string]interface{}) bool { return true }

// QueueSink buffers notifications in memory for a consumer to drain.
// A full queue drops the oldest-priority path: the new message is
// rejected and counted.
type QueueSink struct {
	mu       sync.Mutex
	queue    []Notification
	capacity int
	accepted uint64
	dropped  uint64
}

// NewQueueSink creates a queue sink; capacity <= 0 defaults to 256.
func NewQueueSink(capacity int) *QueueSink {
	if capacity <= 0 {
		capacity = 256
	}
	return &QueueSink{capacity: capacity}
}

func (q *QueueSink) Notify(notifType, title, body string, priority Priority, context map[string]interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) >= q.capacity {
		q.dropped++
		return false
	}
	q.queue = append(q.queue, Notification{
		Type:     notifType,
		Title:    title,
		Body:     body,
		Priority: priority,
		Context:  context,
		At:       time.Now(),
	})
	q.accepted++
	return true
}

// Drain removes and returns up to n queued notifications in arrival
// order; n <= 0 drains everything.
func (q *QueueSink) Drain(n int) []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || n > len(q.queue) {
		n = len(q.queue)
	}
	out := make([]Notification, n)
	copy(out, q.queue[:n])
	q.queue = q.queue[n:]
	return out
}

// Len reports queued notifications.
func (q *QueueSink) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Counters reports accepted and dropped totals.
func (q *QueueSink) Counters() (accepted, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.accepted, q.dropped
}
