package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Publisher is the write side of the push channel.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Broker adds scope-keyed subscriptions. Subscribers hold only the opaque
// Subscription handle, never a reference into the broker's internals.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, scope Scope) (*Subscription, error)
}

// Subscription is an opaque handle to a single scope subscription.
// Events arrive on C until Close is called or the subscribe context ends.
type Subscription struct {
	id        uuid.UUID
	C         <-chan Event
	closeOnce sync.Once
	cancel    func()
}

func newSubscription(ch <-chan Event, cancel func()) *Subscription {
	return &Subscription{
		id:     uuid.New(),
		C:      ch,
		cancel: cancel,
	}
}

func (s *Subscription) ID() uuid.UUID {
	return s.id
}

func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
}

// Fanout publishes every event to all given publishers in order and returns
// the first error. Used to mirror the redis push channel onto kafka.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// MemoryBroker is an in-process broker used by tests and single-node runs.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[uuid.UUID]chan Event
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs: make(map[string]map[uuid.UUID]chan Event),
	}
}

func (b *MemoryBroker) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[ev.Scope.Channel()] {
		select {
		case ch <- ev:
		default:
			// Slow subscribers drop events rather than block the store.
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, scope Scope) (*Subscription, error) {
	ch := make(chan Event, 64)
	key := scope.Channel()
	id := uuid.New()

	b.mu.Lock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[uuid.UUID]chan Event)
	}
	b.subs[key][id] = ch
	b.mu.Unlock()

	remove := func() {
		b.mu.Lock()
		if m := b.subs[key]; m != nil {
			if _, ok := m[id]; ok {
				delete(m, id)
				close(ch)
			}
		}
		b.mu.Unlock()
	}

	sub := newSubscription(ch, remove)
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub, nil
}
