package subscription

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrHandleAssigned indicates an attempt to assign a handle to an item that
// already carries one.
var ErrHandleAssigned = errors.New("item already has a handle")

// handled is implemented by values that carry an optional client handle.
type handled interface {
	comparable
	handle() (uint32, bool)
	setHandle(h uint32)
	clearHandle()
}

// handleMap hands out the smallest free handles and maps them back to their
// items. Servers bound-check client handles, so the assigned set is kept dense:
// gaps left by removals are filled before the maximum grows.
type handleMap[T handled] struct {
	mu       sync.Mutex
	byHandle map[uint32]T
	sorted   []uint32
}

func newHandleMap[T handled]() *handleMap[T] {
	return &handleMap[T]{byHandle: make(map[uint32]T)}
}

// assign gives every item a handle in one step. Either all items receive a
// handle or none does.
func (m *handleMap[T]) assign(items []T) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range items {
		if h, ok := it.handle(); ok {
			return nil, fmt.Errorf("%w: %d", ErrHandleAssigned, h)
		}
	}

	assigned := make([]uint32, 0, len(items))
	next, idx := uint32(0), 0
	for range items {
		for idx < len(m.sorted) && m.sorted[idx] == next {
			next++
			idx++
		}
		assigned = append(assigned, next)
		next++
	}

	for i, it := range items {
		it.setHandle(assigned[i])
		m.byHandle[assigned[i]] = it
	}
	m.sorted = append(m.sorted, assigned...)
	slices.Sort(m.sorted)
	return assigned, nil
}

// get returns the item holding handle h.
func (m *handleMap[T]) get(h uint32) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.byHandle[h]
	return it, ok
}

// remove reclaims the handles of items. Items without a handle are ignored.
func (m *handleMap[T]) remove(items []T) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := false
	for _, it := range items {
		h, ok := it.handle()
		if !ok {
			continue
		}
		if cur, found := m.byHandle[h]; found && cur == it {
			delete(m.byHandle, h)
			removed = true
		}
		it.clearHandle()
	}
	if removed {
		m.sorted = slices.DeleteFunc(m.sorted, func(h uint32) bool {
			_, ok := m.byHandle[h]
			return !ok
		})
	}
}

// size returns the number of assigned handles.
func (m *handleMap[T]) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHandle)
}
