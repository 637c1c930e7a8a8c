package subscription

import "github.com/fkirchmann/ProductionPilot/internal/opc"

// Subscription is a group of items requested together. It is returned unbound;
// the manager's worker binds it on the server asynchronously.
type Subscription struct {
	m     *Manager
	seq   uint64
	items []*Item

	// guarded by m.mu
	client           opc.Client // non-nil while bound
	destroyScheduled bool
}

// Items returns the subscription's items in request order.
func (s *Subscription) Items() []*Item {
	return append([]*Item(nil), s.items...)
}

// Bound reports whether the subscription currently exists on the server.
func (s *Subscription) Bound() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.client != nil
}

// Unsubscribe queues the subscription for destruction. It returns immediately,
// is safe to call from any goroutine, and calling it again has no effect.
func (s *Subscription) Unsubscribe() {
	s.m.unsubscribe(s)
}
