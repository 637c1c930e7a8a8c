package opc

import (
	"context"
	"fmt"
	"sync"
)

// NodeType classifies a node by what it can hold.
// The variable types carry a conversion function, see Convert.
type NodeType int

const (
	// TypeUndetermined marks a placeholder awaiting a type-resolving round trip.
	TypeUndetermined NodeType = iota
	TypeDouble
	TypeInteger
	TypeBoolean
	TypeString
	// TypeOther is a variable whose data type has no closer mapping.
	TypeOther
	TypeObject
	// TypeNotFound is terminal: the address does not exist on the server.
	TypeNotFound
)

var nodeTypeNames = [...]string{
	TypeUndetermined: "undetermined",
	TypeDouble:       "double",
	TypeInteger:      "integer",
	TypeBoolean:      "boolean",
	TypeString:       "string",
	TypeOther:        "other",
	TypeObject:       "object",
	TypeNotFound:     "not-found",
}

func (t NodeType) String() string {
	if t < 0 || int(t) >= len(nodeTypeNames) {
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
	return nodeTypeNames[t]
}

// IsVariable reports whether nodes of this type hold a value.
func (t NodeType) IsVariable() bool {
	return t >= TypeDouble && t <= TypeOther
}

// IsDetermined reports whether the type has been resolved against the server.
func (t NodeType) IsDetermined() bool {
	return t != TypeUndetermined
}

// Exists reports whether the node is known to exist (or may exist, if undetermined).
func (t NodeType) Exists() bool {
	return t != TypeNotFound
}

// Browser fetches the children of many nodes in one round trip.
// The result holds one child slice per parent, in parent order.
type Browser interface {
	Browse(ctx context.Context, parents []*Node) ([][]*Node, error)
}

// Node is a typed handle to a point in the server's address space.
// Identity, name, path and type never change; children are fetched on first use
// and cached.
type Node struct {
	id      NodeID
	name    string
	path    string
	typ     NodeType
	browser Browser

	mu       sync.Mutex
	children []*Node
	loaded   bool
}

// NewNode creates a node. browser may be nil for nodes that are never browsed.
func NewNode(id NodeID, name, path string, typ NodeType, browser Browser) *Node {
	return &Node{id: id, name: name, path: path, typ: typ, browser: browser}
}

// Placeholder creates an undetermined node for an address that has not been
// resolved yet.
func Placeholder(id NodeID) *Node {
	return &Node{id: id, typ: TypeUndetermined}
}

// WithType returns a copy of n with type t and an empty child cache.
func (n *Node) WithType(t NodeType) *Node {
	return &Node{id: n.id, name: n.name, path: n.path, typ: t, browser: n.browser}
}

func (n *Node) ID() NodeID     { return n.id }
func (n *Node) Name() string   { return n.name }
func (n *Node) Path() string   { return n.path }
func (n *Node) Type() NodeType { return n.typ }

func (n *Node) String() string {
	if n.path != "" {
		return fmt.Sprintf("%s [%s] (%s)", n.path, n.id, n.typ)
	}
	return fmt.Sprintf("%s (%s)", n.id, n.typ)
}

// Children returns the node's children, browsing the server on first call.
func (n *Node) Children(ctx context.Context) ([]*Node, error) {
	n.mu.Lock()
	if n.loaded {
		children := n.children
		n.mu.Unlock()
		return children, nil
	}
	n.mu.Unlock()

	if err := LoadChildren(ctx, []*Node{n}); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children, nil
}

// cachedChildren returns the cached children and whether they are loaded.
func (n *Node) cachedChildren() ([]*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children, n.loaded
}

func (n *Node) setChildren(children []*Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.loaded {
		n.children = children
		n.loaded = true
	}
}

// LoadChildren fetches the children of all nodes that have not been browsed yet,
// grouping nodes by browser so each browser sees a single call.
func LoadChildren(ctx context.Context, nodes []*Node) error {
	pending := make(map[Browser][]*Node)
	for _, n := range nodes {
		if _, loaded := n.cachedChildren(); loaded {
			continue
		}
		if n.browser == nil || !n.typ.Exists() {
			n.setChildren(nil)
			continue
		}
		pending[n.browser] = append(pending[n.browser], n)
	}
	for browser, parents := range pending {
		children, err := browser.Browse(ctx, parents)
		if err != nil {
			return err
		}
		if len(children) != len(parents) {
			return fmt.Errorf("%w: browse returned %d results for %d nodes", ErrClient, len(children), len(parents))
		}
		for i, parent := range parents {
			parent.setChildren(children[i])
		}
	}
	return nil
}

// Walk visits the descendants of n depth-first, up to maxDepth levels below n
// (maxDepth < 0 means unlimited). Siblings are browsed in one batch. Returning
// an error from fn stops the walk.
func (n *Node) Walk(ctx context.Context, maxDepth int, fn func(depth int, node *Node) error) error {
	return walk(ctx, []*Node{n}, 1, maxDepth, fn)
}

func walk(ctx context.Context, level []*Node, depth, maxDepth int, fn func(int, *Node) error) error {
	if maxDepth >= 0 && depth > maxDepth {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := LoadChildren(ctx, level); err != nil {
		return err
	}
	if maxDepth < 0 || depth < maxDepth {
		var next []*Node
		for _, parent := range level {
			children, _ := parent.cachedChildren()
			next = append(next, children...)
		}
		// prefetch the next level so the recursion below hits the cache
		if err := LoadChildren(ctx, next); err != nil {
			return err
		}
	}
	for _, parent := range level {
		children, _ := parent.cachedChildren()
		for _, child := range children {
			if err := fn(depth, child); err != nil {
				return err
			}
			if err := walk(ctx, []*Node{child}, depth+1, maxDepth, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
