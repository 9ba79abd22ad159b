// Package live tracks long-poll subscribers and fans fresh stats out to them.
package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// UndefinedAddress groups subscribers that did not ask for an address
const UndefinedAddress = "undefined"

var (
	// ErrSinkClosed is returned when delivering to a torn-down subscription
	ErrSinkClosed = errors.New("subscription closed")
	// ErrTooManySubscriptions is returned when a registry is at its limit
	ErrTooManySubscriptions = errors.New("too many subscriptions")
	// ErrAddressNotFound is returned when an address has no stored data
	ErrAddressNotFound = errors.New("address not found")
)

// Subscription is a one-shot sink: it receives at most one payload and
// is removed from its registry exactly once, whichever way it ends.
type Subscription struct {
	Address string
	ID      uint64

	registry *Registry
	payload  chan []byte
	done     chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// Deliver hands payload to the subscriber and tears the subscription down
func (s *Subscription) Deliver(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.closed = true
	s.payload <- payload
	s.mu.Unlock()

	s.teardown()
	return nil
}

// Close tears the subscription down without a payload. Safe to call more
// than once and after Deliver.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.teardown()
}

func (s *Subscription) teardown() {
	s.once.Do(func() {
		s.registry.remove(s)
		close(s.done)
	})
}

// Done is closed once the subscription has been torn down
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until a payload arrives, the subscription is closed, or ctx
// ends. A cancelled ctx closes the subscription.
func (s *Subscription) Wait(ctx context.Context) ([]byte, error) {
	select {
	case p := <-s.payload:
		return p, nil
	case <-s.done:
		select {
		case p := <-s.payload:
			return p, nil
		default:
			return nil, ErrSinkClosed
		}
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

type subKey struct {
	address string
	id      uint64
}

// Registry holds the open subscriptions of one feed
type Registry struct {
	name  string
	limit int

	nextID atomic.Uint64

	mu   sync.Mutex
	subs map[subKey]*Subscription
}

// NewRegistry creates a registry; limit <= 0 means unbounded
func NewRegistry(name string, limit int) *Registry {
	return &Registry{
		name:  name,
		limit: limit,
		subs:  make(map[subKey]*Subscription),
	}
}

// Name returns the feed name used in logs and metrics
func (r *Registry) Name() string {
	return r.name
}

// Register opens a subscription for address. An empty address subscribes
// under UndefinedAddress.
func (r *Registry) Register(address string) (*Subscription, error) {
	if address == "" {
		address = UndefinedAddress
	}

	s := &Subscription{
		Address:  address,
		ID:       r.nextID.Add(1),
		registry: r,
		payload:  make(chan []byte, 1),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && len(r.subs) >= r.limit {
		return nil, ErrTooManySubscriptions
	}
	r.subs[subKey{address, s.ID}] = s
	return s, nil
}

// Unregister closes the subscription if it is still registered
func (r *Registry) Unregister(address string, id uint64) {
	if address == "" {
		address = UndefinedAddress
	}

	r.mu.Lock()
	s := r.subs[subKey{address, id}]
	r.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

func (r *Registry) remove(s *Subscription) {
	r.mu.Lock()
	delete(r.subs, subKey{s.Address, s.ID})
	r.mu.Unlock()
}

// GroupByAddress returns a copy of the current subscriptions by address.
// Subscriptions registered afterwards are not included.
func (r *Registry) GroupByAddress() map[string][]*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make(map[string][]*Subscription)
	for k, s := range r.subs {
		groups[k.address] = append(groups[k.address], s)
	}
	return groups
}

// Len returns the number of open subscriptions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// CloseAll tears down every open subscription
func (r *Registry) CloseAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
