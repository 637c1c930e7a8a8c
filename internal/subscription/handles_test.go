package subscription

import (
	"errors"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeHandled struct {
	h   uint32
	has bool
}

func (f *fakeHandled) handle() (uint32, bool) { return f.h, f.has }
func (f *fakeHandled) setHandle(h uint32)     { f.h, f.has = h, true }
func (f *fakeHandled) clearHandle()           { f.h, f.has = 0, false }

func newFakes(n int) []*fakeHandled {
	out := make([]*fakeHandled, n)
	for i := range out {
		out[i] = &fakeHandled{}
	}
	return out
}

func TestHandleMap_AssignsFromZero(t *testing.T) {
	m := newHandleMap[*fakeHandled]()
	got, err := m.assign(newFakes(4))
	if err != nil {
		t.Fatalf("assign() error = %v", err)
	}
	if want := []uint32{0, 1, 2, 3}; !slices.Equal(got, want) {
		t.Errorf("assign() = %v, want %v", got, want)
	}
}

func TestHandleMap_FillsGaps(t *testing.T) {
	m := newHandleMap[*fakeHandled]()
	items := newFakes(6)
	if _, err := m.assign(items); err != nil {
		t.Fatalf("assign() error = %v", err)
	}
	m.remove([]*fakeHandled{items[1], items[4]})

	got, err := m.assign(newFakes(3))
	if err != nil {
		t.Fatalf("assign() error = %v", err)
	}
	if want := []uint32{1, 4, 6}; !slices.Equal(got, want) {
		t.Errorf("assign() after removal = %v, want %v", got, want)
	}
	if m.size() != 7 {
		t.Errorf("size() = %d, want 7", m.size())
	}
}

func TestHandleMap_RefusesAssignedItems(t *testing.T) {
	m := newHandleMap[*fakeHandled]()
	items := newFakes(2)
	if _, err := m.assign(items[:1]); err != nil {
		t.Fatalf("assign() error = %v", err)
	}

	_, err := m.assign(items)
	if !errors.Is(err, ErrHandleAssigned) {
		t.Fatalf("assign() error = %v, want ErrHandleAssigned", err)
	}
	if _, ok := items[1].handle(); ok {
		t.Error("refused assign must not hand out any handle")
	}
	if m.size() != 1 {
		t.Errorf("size() = %d, want 1", m.size())
	}
}

func TestHandleMap_RemoveIgnoresForeignItems(t *testing.T) {
	m := newHandleMap[*fakeHandled]()
	items := newFakes(1)
	if _, err := m.assign(items); err != nil {
		t.Fatalf("assign() error = %v", err)
	}

	// same handle number, different item
	stranger := &fakeHandled{h: 0, has: true}
	m.remove([]*fakeHandled{stranger, {}})

	got, ok := m.get(0)
	if !ok || got != items[0] {
		t.Errorf("get(0) = %v, %v; want original item", got, ok)
	}
}

// Assigned handles are unique, and after any sequence of assign/remove batches
// the live set is exactly the handles held by live items.
func TestHandleMap_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("handles stay unique and minimal", prop.ForAll(
		func(batches []int, removeMask []bool) bool {
			m := newHandleMap[*fakeHandled]()
			var live []*fakeHandled
			mask := 0
			for _, n := range batches {
				items := newFakes(n)
				if _, err := m.assign(items); err != nil {
					return false
				}
				live = append(live, items...)

				var keep, drop []*fakeHandled
				for _, it := range live {
					if mask < len(removeMask) && removeMask[mask] {
						drop = append(drop, it)
					} else {
						keep = append(keep, it)
					}
					mask++
				}
				m.remove(drop)
				live = keep
			}

			seen := make(map[uint32]bool)
			for _, it := range live {
				h, ok := it.handle()
				if !ok || seen[h] {
					return false
				}
				seen[h] = true
				if got, ok := m.get(h); !ok || got != it {
					return false
				}
			}
			if m.size() != len(live) {
				return false
			}

			// a fresh item gets the smallest free handle
			fresh := newFakes(1)
			got, err := m.assign(fresh)
			if err != nil {
				return false
			}
			for h := uint32(0); h < got[0]; h++ {
				if !seen[h] {
					return false
				}
			}
			return !seen[got[0]]
		},
		gen.SliceOfN(6, gen.IntRange(0, 20)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
