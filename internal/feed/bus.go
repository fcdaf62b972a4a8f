package feed

import (
	"context"
	"sync"

	"claimdesk.org/internal/expense"
	"claimdesk.org/internal/ids"
)

// Kind classifies a feed event.
type Kind string

const (
	KindUpsert     Kind = "expense.upsert"
	KindDelete     Kind = "expense.delete"
	KindMembership Kind = "membership"
)

// Event is one committed change. Membership events list the employees whose manager set
// changed.
type Event struct {
	Kind        Kind             `json:"kind"`
	Expense     *expense.Expense `json:"expense,omitempty"`
	EmployeeIDs []string         `json:"employee_ids,omitempty"`
	Origin      string           `json:"origin,omitempty"`
}

// Receiver is one bus subscription. Lost fires when events were dropped because C was
// full; the receiver must then resynchronize from the store.
type Receiver struct {
	C    <-chan Event
	Lost <-chan struct{}
}

type subscriber struct {
	ch   chan Event
	lost chan struct{}
}

// Bus fans committed changes out to all subscribers without blocking the writer.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	next   int
	buffer int
	origin string
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		buffer: buffer,
		origin: ids.New(),
	}
}

// Origin identifies this process on shared channels.
func (b *Bus) Origin() string { return b.origin }

// Subscribe registers a subscriber. Its channels are closed when ctx ends.
func (b *Bus) Subscribe(ctx context.Context) Receiver {
	sub := &subscriber{
		ch:   make(chan Event, b.buffer),
		lost: make(chan struct{}, 1),
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(sub.ch)
		close(sub.lost)
		b.mu.Unlock()
	}()

	return Receiver{C: sub.ch, Lost: sub.lost}
}

// Publish fans the event out. Events without an origin are stamped as local.
func (b *Bus) Publish(evt Event) {
	if evt.Origin == "" {
		evt.Origin = b.origin
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow and flag it for resync.
			select {
			case sub.lost <- struct{}{}:
			default:
			}
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ExpenseChanged publishes a committed expense write.
func (b *Bus) ExpenseChanged(c expense.Change) {
	e := c.Expense.Clone()
	kind := KindUpsert
	if c.Kind == expense.ChangeDelete {
		kind = KindDelete
	}
	b.Publish(Event{Kind: kind, Expense: &e})
}

// MembershipChanged publishes a project membership change.
func (b *Bus) MembershipChanged(employeeIDs []string) {
	b.Publish(Event{Kind: KindMembership, EmployeeIDs: append([]string(nil), employeeIDs...)})
}
