package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryPublisher is an in-process event publisher. Events are appended to
// the state store timeline and fanned out to channel subscribers. Delivery
// to a slow subscriber drops rather than blocks the run.
type MemoryPublisher struct {
	state StateManager

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	runID string // empty subscribes to every run
	ch    chan Event
}

// NewMemoryPublisher creates a publisher. The state manager may be nil for
// ephemeral use (dry runs, tests).
func NewMemoryPublisher(state StateManager) *MemoryPublisher {
	return &MemoryPublisher{
		state: state,
		subs:  make(map[int]*subscription),
	}
}

// Publish records the event and delivers it to matching subscribers.
func (p *MemoryPublisher) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return NewPermanentError("event is nil", nil).WithCode(ErrCodeValidation)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	if p.state != nil && event.RunID != "" {
		if err := p.state.AppendEvent(ctx, event); err != nil {
			return err
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subs {
		if sub.runID != "" && sub.runID != event.RunID {
			continue
		}
		select {
		case sub.ch <- *event:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of events for a run (or all runs when runID
// is empty) and a function that cancels the subscription.
func (p *MemoryPublisher) Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error) {
	sub := &subscription{
		runID: runID,
		ch:    make(chan Event, 256),
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = sub
	p.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(sub.ch)
		})
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe, nil
}
