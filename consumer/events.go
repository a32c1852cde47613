package main

import (
	"sync"
	"time"
)

// CycleEvent is one accepted scheduler callback as retained for
// operators.
type CycleEvent struct {
	ReceivedAt     time.Time      `json:"receivedAt"`
	AgentKey       string         `json:"agentKey"`
	Fence          int64          `json:"fence"`
	IdempotencyKey string         `json:"idempotencyKey"`
	InstanceID     string         `json:"instanceId,omitempty"`
	QueueTaskID    string         `json:"queueTaskId,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// EventRing is a fixed-capacity buffer of the most recent accepted
// events, newest first on read.
type EventRing struct {
	mu     sync.Mutex
	events []CycleEvent
	cap    int
}

// NewEventRing builds a ring holding at most capacity events.
func NewEventRing(capacity int) *EventRing {
	return &EventRing{cap: capacity}
}

// Push appends an event, evicting the oldest past capacity. Returns
// the current size.
func (r *EventRing) Push(e CycleEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if len(r.events) > r.cap {
		r.events = r.events[len(r.events)-r.cap:]
	}
	return len(r.events)
}

// Recent returns up to limit events, newest first. limit <= 0 means
// everything retained.
func (r *EventRing) Recent(limit int) []CycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]CycleEvent, n)
	for i := 0; i < n; i++ {
		out[i] = r.events[len(r.events)-1-i]
	}
	return out
}

// Len reports the retained event count.
func (r *EventRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
