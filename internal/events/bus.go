// Package events fans task lifecycle events out to subscribers.
// Delivery is best effort: the marketplace state machine never depends
// on an event being observed.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types.
const (
	TaskCreated   = "task.created"
	TaskMatched   = "task.matched"
	TaskClaimed   = "task.claimed"
	TaskDelivered = "task.delivered"
	TaskApproved  = "task.approved"
	TaskRejected  = "task.rejected"
	TaskExpired   = "task.expired"
	TaskCancelled = "task.cancelled"
)

// Event is the envelope published on every task transition.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	TaskID   string    `json:"task_id"`
	PosterID string    `json:"poster_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Time     time.Time `json:"time"`
}

// New builds an event envelope with a fresh ID.
func New(eventType, taskID, posterID, workerID string) *Event {
	return &Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		TaskID:   taskID,
		PosterID: posterID,
		WorkerID: workerID,
		Time:     time.Now().UTC(),
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus publishes events. All backends satisfy this.
type Bus interface {
	Publish(e *Event)
	Close() error
}

// LocalBus is the in-process bus. Subscribers get a buffered channel;
// a full channel drops the event rather than blocking a publisher.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	bufferSize  int
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or
// all events when none are named.
func (b *LocalBus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *LocalBus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = dropChan(subs, ch)
	}
	b.allSubs = dropChan(b.allSubs, ch)
	close(ch)
}

func dropChan(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers to all matching subscribers without blocking.
func (b *LocalBus) Publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

func (b *LocalBus) Close() error { return nil }

var _ Bus = (*LocalBus)(nil)
