// Package progress is the in-process pub/sub bus for sync job progress.
// Subscribers receive events in publish order; a slow subscriber drops
// events instead of blocking the publisher.
package progress

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one progress update for a sync job. For a given job, events
// are published in monotonically non-decreasing percentage order.
type Event struct {
	JobID      string    `json:"job_id"`
	UserID     string    `json:"user_id,omitempty"`
	Status     string    `json:"status"`
	Percentage int       `json:"percentage"`
	Current    int       `json:"current"`
	Total      int       `json:"total"`
	Message    string    `json:"message,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SSEFrame renders the event as one Server-Sent Events frame.
func (e *Event) SSEFrame() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: progress\ndata: %s\n\n", data)), nil
}

// Bus is an in-process pub/sub bus keyed by job id.
type Bus struct {
	mu         sync.RWMutex
	byJob      map[string][]chan *Event
	allSubs    []chan *Event
	dropped    atomic.Int64
	logger     *log.Logger
	bufferSize int
}

// NewBus creates a new progress bus.
func NewBus() *Bus {
	return &Bus{
		byJob:      make(map[string][]chan *Event),
		logger:     log.New(log.Writer(), "[PROGRESS] ", log.LstdFlags),
		bufferSize: 100,
	}
}

// Subscribe creates a channel receiving events for one job. Pass an empty
// jobID to receive every job's events.
func (b *Bus) Subscribe(jobID string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if jobID == "" {
		b.allSubs = append(b.allSubs, ch)
	} else {
		b.byJob[jobID] = append(b.byJob[jobID], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for jobID, subs := range b.byJob {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			delete(b.byJob, jobID)
		} else {
			b.byJob[jobID] = filtered
		}
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers an event to all matching subscribers. Full channels
// are skipped.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.byJob[event.JobID] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were skipped on full channels.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.byJob {
		count += len(subs)
	}
	return count
}
