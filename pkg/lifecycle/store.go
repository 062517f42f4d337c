// Package lifecycle implements C6: a concurrent keyed store whose values
// move through Loading, Loaded and Dropping states, guaranteeing at most
// one load per key in flight (G1), fair service of waiters queued on a
// loading or dropping key (G2), serialized drops per key (G3), and atomic
// visibility of the current state (G4). It is grounded on the teacher's
// epoch-guarded reader pattern (pkg/cowbtree/epoch.go) and its keyed,
// mutex-protected map of in-flight state (pkg/mvcc/manager.go).
//
// This store is NOT cancellation-safe: if a caller's context is cancelled
// while waiting on a load or drop already in progress, that load or drop
// still runs to completion for the other callers racing on the same key; the
// cancelled caller simply stops waiting for it.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type state int

const (
	stateLoading state = iota
	stateLoaded
	stateDropping
)

// LoadFunc produces the value for a key that has no entry yet.
type LoadFunc[V any] func(ctx context.Context) (V, error)

// DropFunc releases a value's resources once nothing references it anymore.
type DropFunc[V any] func(ctx context.Context, v V) error

type entry[V any] struct {
	state       state
	value       V
	accessCount int64
	dropIntent  bool
	waitLoaded  []chan struct{}
	waitDropped []chan struct{}
}

// Store is a generic C6 lifecycle store over keys of type K and values of
// type V.
type Store[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	drop    DropFunc[V]
	log     *logrus.Logger
}

// New creates a Store. drop is invoked once per value, outside the store's
// internal lock, when its last guard is closed after an immediate-drop
// request (or immediately, if the request arrives with no guards out).
func New[K comparable, V any](drop DropFunc[V], log *logrus.Logger) *Store[K, V] {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store[K, V]{entries: make(map[K]*entry[V]), drop: drop, log: log}
}

// Guard is a live reference to a loaded value. Callers must Close it when
// done; failing to do so leaks the value (it will never be dropped).
type Guard[K comparable, V any] struct {
	store    *Store[K, V]
	key      K
	value    V
	released int32
}

// Value returns the guarded value.
func (g *Guard[K, V]) Value() V { return g.value }

// Close releases this reference. If an immediate drop was requested for
// this key and this was the last outstanding guard, Close synchronously
// runs the store's DropFunc and removes the entry.
func (g *Guard[K, V]) Close() {
	if !atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		return
	}
	s := g.store
	s.mu.Lock()
	e, ok := s.entries[g.key]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.accessCount--
	shouldDrop := e.dropIntent && e.accessCount == 0 && e.state == stateLoaded
	if shouldDrop {
		e.state = stateDropping
	}
	s.mu.Unlock()
	if shouldDrop {
		s.performDrop(g.key, e)
	}
}

// GetLoadedOrInsertLoading returns a Guard on key's value, loading it via
// load if no entry exists yet. Concurrent callers for the same key that
// arrive while a load is already in flight block until it completes and
// then share its loaded value (G1); if that load fails, the error goes only
// to the caller that ran it, and each waiter retries with its own load.
// Callers that arrive while the key is being dropped, or while an immediate
// drop is pending on it, wait for the drop to finish and then retry, which
// is this store's reload-chain behavior — a drop never blocks the next load indefinitely,
// it simply serializes behind it (G3).
func (s *Store[K, V]) GetLoadedOrInsertLoading(ctx context.Context, key K, load LoadFunc[V]) (*Guard[K, V], error) {
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok {
			e = &entry[V]{state: stateLoading}
			s.entries[key] = e
			s.mu.Unlock()
			return s.runLoad(ctx, key, e, load)
		}

		switch e.state {
		case stateLoaded:
			if e.dropIntent {
				// An immediate drop is pending: wait for it, then load afresh
				// instead of handing out the value about to be dropped.
				ch := make(chan struct{})
				e.waitDropped = append(e.waitDropped, ch)
				s.mu.Unlock()
				if err := waitOrCancel(ctx, ch); err != nil {
					return nil, err
				}
				continue
			}
			e.accessCount++
			v := e.value
			s.mu.Unlock()
			return &Guard[K, V]{store: s, key: key, value: v}, nil
		case stateLoading:
			ch := make(chan struct{})
			e.waitLoaded = append(e.waitLoaded, ch)
			s.mu.Unlock()
			if err := waitOrCancel(ctx, ch); err != nil {
				return nil, err
			}
			// loop: re-check state now that the load has finished
		case stateDropping:
			ch := make(chan struct{})
			e.waitDropped = append(e.waitDropped, ch)
			s.mu.Unlock()
			if err := waitOrCancel(ctx, ch); err != nil {
				return nil, err
			}
			// loop: the old entry is gone, retry as if absent
		}
	}
}

// GetIfLoadingOrLoaded reports whether key currently has an entry, without
// creating one. ok is false if the key is absent or mid-drop.
func (s *Store[K, V]) GetIfLoadingOrLoaded(key K) (loaded bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, present := s.entries[key]
	if !present || e.state == stateDropping {
		return false, false
	}
	return e.state == stateLoaded, true
}

func (s *Store[K, V]) runLoad(ctx context.Context, key K, e *entry[V], load LoadFunc[V]) (*Guard[K, V], error) {
	v, err := load(ctx)
	s.mu.Lock()
	if err != nil {
		delete(s.entries, key)
		waiters := e.waitLoaded
		s.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}
		return nil, err
	}
	e.state = stateLoaded
	e.value = v
	e.accessCount = 1
	waiters := e.waitLoaded
	e.waitLoaded = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	return &Guard[K, V]{store: s, key: key, value: v}, nil
}

// RequestImmediateDrop marks key for removal as soon as it has no
// outstanding guards. If it already has none right now, the drop runs
// synchronously before this call returns. A key with no entry is a no-op.
func (s *Store[K, V]) RequestImmediateDrop(key K) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	switch e.state {
	case stateLoaded:
		if e.accessCount == 0 {
			e.state = stateDropping
			s.mu.Unlock()
			s.performDrop(key, e)
			return
		}
		e.dropIntent = true
		s.mu.Unlock()
	case stateLoading:
		e.dropIntent = true
		s.mu.Unlock()
	case stateDropping:
		s.mu.Unlock()
	}
}

func (s *Store[K, V]) performDrop(key K, e *entry[V]) {
	if s.drop != nil {
		if err := s.drop(context.Background(), e.value); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("lifecycle: drop failed")
		}
	}
	s.mu.Lock()
	delete(s.entries, key)
	waiters := e.waitDropped
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Len reports the number of keys currently tracked, in any state.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func waitOrCancel(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
