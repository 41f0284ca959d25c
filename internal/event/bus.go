// Package event is an in-process publish/subscribe bus for job lifecycle
// events.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/google/uuid"
)

// Event is one entry of a job's lifecycle stream.
type Event struct {
	Name      lifecycle.Event `json:"event_name"`
	JobID     uuid.UUID       `json:"job_id"`
	Queue     string          `json:"job_queue,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Detail    string          `json:"detail,omitempty"`
}

// Filter defines criteria for receiving events.
type Filter struct {
	JobID uuid.UUID
	Names []lifecycle.Event
}

// Bus defines the event bus interface.
type Bus interface {
	Publish(e Event)
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, error)
}

type bus struct {
	subscribers map[chan Event]Filter
	mu          sync.RWMutex
}

// New creates a new event bus.
func New() Bus {
	return &bus{
		subscribers: make(map[chan Event]Filter),
	}
}

func (b *bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if !filter.matches(e) {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribe delivers matching events until ctx is done, then closes the
// channel.
func (b *bus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	ch := make(chan Event, 100)

	b.mu.Lock()
	b.subscribers[ch] = filter
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, ch)
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

func (f Filter) matches(e Event) bool {
	if f.JobID != uuid.Nil && f.JobID != e.JobID {
		return false
	}
	if len(f.Names) == 0 {
		return true
	}
	for _, name := range f.Names {
		if name == e.Name {
			return true
		}
	}
	return false
}
