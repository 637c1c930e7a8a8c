package opc

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// treeBrowser serves a fixed tree and counts round trips.
type treeBrowser struct {
	tree  map[string][]string // parent path -> child names
	calls int
	fail  error
}

func (b *treeBrowser) Browse(_ context.Context, parents []*Node) ([][]*Node, error) {
	b.calls++
	if b.fail != nil {
		return nil, b.fail
	}
	out := make([][]*Node, len(parents))
	for i, p := range parents {
		for j, name := range b.tree[p.Path()] {
			path := name
			if p.Path() != "" {
				path = p.Path() + "/" + name
			}
			typ := TypeObject
			if _, hasChildren := b.tree[path]; !hasChildren {
				typ = TypeDouble
			}
			id := MustParseNodeID(fmt.Sprintf("ns=2;s=%s#%d", path, j))
			out[i] = append(out[i], NewNode(id, name, path, typ, b))
		}
	}
	return out, nil
}

func newTree() *treeBrowser {
	return &treeBrowser{tree: map[string][]string{
		"":            {"Line1", "Line2"},
		"Line1":       {"Press", "Speed"},
		"Line1/Press": {"Force"},
		"Line2":       {"Count"},
	}}
}

func TestNode_ChildrenAreCached(t *testing.T) {
	b := newTree()
	root := NewNode(ObjectsFolder(), "Objects", "", TypeObject, b)

	first, err := root.Children(context.Background())
	if err != nil {
		t.Fatalf("Children() error = %v", err)
	}
	second, _ := root.Children(context.Background())
	if len(first) != 2 || len(second) != 2 || first[0] != second[0] {
		t.Errorf("Children() = %v then %v", first, second)
	}
	if b.calls != 1 {
		t.Errorf("browse calls = %d, want 1", b.calls)
	}
}

func TestNode_ChildrenOfUnbrowsableNodes(t *testing.T) {
	b := newTree()
	missing := NewNode(MustParseNodeID("ns=2;s=gone"), "gone", "Line1", TypeNotFound, b)
	if children, err := missing.Children(context.Background()); err != nil || len(children) != 0 {
		t.Errorf("Children() of missing node = %v, %v", children, err)
	}
	if children, err := Placeholder(MustParseNodeID("i=1")).Children(context.Background()); err != nil || children != nil {
		t.Errorf("Children() of placeholder = %v, %v", children, err)
	}
	if b.calls != 0 {
		t.Errorf("browse calls = %d, want 0", b.calls)
	}
}

func TestNode_BrowseErrorIsNotCached(t *testing.T) {
	b := newTree()
	b.fail = errors.New("link down")
	root := NewNode(ObjectsFolder(), "Objects", "", TypeObject, b)

	if _, err := root.Children(context.Background()); err == nil {
		t.Fatal("Children() error = nil")
	}
	b.fail = nil
	children, err := root.Children(context.Background())
	if err != nil || len(children) != 2 {
		t.Errorf("Children() after recovery = %v, %v", children, err)
	}
}

func TestNode_Walk(t *testing.T) {
	b := newTree()
	root := NewNode(ObjectsFolder(), "Objects", "", TypeObject, b)

	var visited []string
	err := root.Walk(context.Background(), -1, func(depth int, n *Node) error {
		visited = append(visited, fmt.Sprintf("%d:%s", depth, n.Path()))
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	want := []string{"1:Line1", "2:Line1/Press", "3:Line1/Press/Force", "2:Line1/Speed", "1:Line2", "2:Line2/Count"}
	if fmt.Sprint(visited) != fmt.Sprint(want) {
		t.Errorf("Walk() visited %v, want %v", visited, want)
	}
}

func TestNode_WalkDepthLimit(t *testing.T) {
	b := newTree()
	root := NewNode(ObjectsFolder(), "Objects", "", TypeObject, b)

	var visited []string
	err := root.Walk(context.Background(), 1, func(_ int, n *Node) error {
		visited = append(visited, n.Path())
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(visited) != 2 {
		t.Errorf("Walk(1) visited %v", visited)
	}
}

func TestNode_WalkStopsOnError(t *testing.T) {
	root := NewNode(ObjectsFolder(), "Objects", "", TypeObject, newTree())
	stop := errors.New("stop")

	count := 0
	err := root.Walk(context.Background(), -1, func(int, *Node) error {
		count++
		if count == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || count != 2 {
		t.Errorf("Walk() = %v after %d visits", err, count)
	}
}

func TestNode_WithType(t *testing.T) {
	n := Placeholder(MustParseNodeID("ns=2;s=X"))
	typed := n.WithType(TypeInteger)
	if typed.Type() != TypeInteger || n.Type() != TypeUndetermined || typed.ID() != n.ID() {
		t.Errorf("WithType() = %v from %v", typed, n)
	}
}
