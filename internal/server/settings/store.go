package settings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Subscriber is called with every newly published snapshot.
type Subscriber func(ctx context.Context, s Snapshot) error

// Validator gets a candidate snapshot before it is published.
type Validator func(s Snapshot) error

// Store publishes snapshots to subscribers. Reads are lock free; updates are
// serialised so subscribers observe snapshots in publication order.
type Store struct {
	cur        atomic.Pointer[Snapshot]
	mu         sync.Mutex
	subs       []Subscriber
	validators []Validator
}

// NewStore returns a store holding initial.
func NewStore(initial Snapshot, validators ...Validator) *Store {
	s := &Store{validators: validators}
	s.cur.Store(&initial)
	return s
}

// Current returns the latest published snapshot.
func (s *Store) Current() Snapshot {
	return *s.cur.Load()
}

// Subscribe registers fn for future updates.
func (s *Store) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Watch calls fn with the current snapshot and subscribes it for future
// updates, both under the update lock, so no update can slip in between.
// When the initial call fails fn is not subscribed.
func (s *Store) Watch(ctx context.Context, fn Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(ctx, *s.cur.Load()); err != nil {
		return err
	}
	s.subs = append(s.subs, fn)
	return nil
}

// Update validates next, publishes it and notifies subscribers. An invalid
// snapshot is rejected and the current one stays in force. Publishing an
// unchanged snapshot is a no-op. Subscriber errors are joined and returned
// after every subscriber has run.
func (s *Store) Update(ctx context.Context, next Snapshot) error {
	if err := next.Validate(); err != nil {
		return err
	}
	for _, v := range s.validators {
		if err := v(next); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if *s.cur.Load() == next {
		return nil
	}
	s.cur.Store(&next)

	var errs []error
	for _, fn := range s.subs {
		if err := fn(ctx, next); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
