// Package opctest provides an in-memory opc.Client for tests.
package opctest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gopcua/opcua/ua"

	"github.com/fkirchmann/ProductionPilot/internal/opc"
)

// ErrInjected is returned by calls the test asked to fail.
var ErrInjected = errors.New("opctest: injected failure")

// Client is a scriptable opc.Client. The exported maps must be filled before the
// client is handed to the code under test.
type Client struct {
	// Types answers ResolveNodes; unknown addresses resolve to TypeNotFound.
	Types map[string]opc.NodeType
	// Children answers Browse, keyed by parent address.
	Children map[string][]opc.Reference
	// Values answers Read; unknown addresses fail with ErrInjected.
	Values map[string]*ua.DataValue
	// OnCreate, if set, runs before CreateGroup returns, as a server
	// publishing right away would.
	OnCreate func(g *Group)

	mu          sync.Mutex
	failCreates int
	failDeletes int
	createCalls int
	resolved    int
	reads       int
	groups      []*Group
	nextID      uint32
	done        chan struct{}
	closed      bool
}

// NewClient returns an empty client.
func NewClient() *Client {
	return &Client{
		Types:    make(map[string]opc.NodeType),
		Children: make(map[string][]opc.Reference),
		Values:   make(map[string]*ua.DataValue),
		done:     make(chan struct{}),
		nextID:   1,
	}
}

// FailCreates makes the next n CreateGroup calls fail.
func (c *Client) FailCreates(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCreates = n
}

// FailDeletes makes the next n Group.Delete calls fail. The group is still
// marked deleted.
func (c *Client) FailDeletes(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failDeletes = n
}

// CreateCalls returns the number of CreateGroup calls, failed ones included.
func (c *Client) CreateCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createCalls
}

// ResolveCalls returns the number of nodes passed to ResolveNodes so far.
func (c *Client) ResolveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// Reads returns the number of Read calls.
func (c *Client) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// Groups returns every group created so far, deleted ones included.
func (c *Client) Groups() []*Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Group(nil), c.groups...)
}

// LiveGroups returns the groups that have not been deleted.
func (c *Client) LiveGroups() []*Group {
	var live []*Group
	for _, g := range c.Groups() {
		if !g.Deleted() {
			live = append(live, g)
		}
	}
	return live
}

// Disconnect closes Done, as a lost session would.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Client) Browse(ctx context.Context, parents []opc.NodeID) ([][]opc.Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]opc.Reference, len(parents))
	for i, p := range parents {
		out[i] = c.Children[p.String()]
	}
	return out, nil
}

func (c *Client) ResolveNodes(ctx context.Context, ids []opc.NodeID) ([]opc.NodeType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.resolved += len(ids)
	c.mu.Unlock()
	out := make([]opc.NodeType, len(ids))
	for i, id := range ids {
		t, ok := c.Types[id.String()]
		if !ok {
			t = opc.TypeNotFound
		}
		out[i] = t
	}
	return out, nil
}

func (c *Client) Read(ctx context.Context, id opc.NodeID) (*ua.DataValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	dv, ok := c.Values[id.String()]
	if !ok {
		return nil, fmt.Errorf("%w: no value for %s", ErrInjected, id)
	}
	return dv, nil
}

func (c *Client) CreateGroup(ctx context.Context, req opc.GroupRequest, h opc.GroupHandler) (opc.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.createCalls++
	if c.failCreates > 0 {
		c.failCreates--
		c.mu.Unlock()
		return nil, ErrInjected
	}
	g := &Group{client: c, id: c.nextID, req: req, handler: h}
	c.nextID++
	c.groups = append(c.groups, g)
	c.mu.Unlock()

	if c.OnCreate != nil {
		c.OnCreate(g)
	}
	return g, nil
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close(context.Context) error {
	c.Disconnect()
	return nil
}

// Group is a group created by Client.
type Group struct {
	client  *Client
	id      uint32
	req     opc.GroupRequest
	handler opc.GroupHandler

	mu      sync.Mutex
	deleted bool
}

func (g *Group) ID() uint32 { return g.id }

// Request returns the request the group was created with.
func (g *Group) Request() opc.GroupRequest { return g.req }

// Deleted reports whether Delete was called.
func (g *Group) Deleted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deleted
}

func (g *Group) Delete(context.Context) error {
	g.mu.Lock()
	g.deleted = true
	g.mu.Unlock()

	g.client.mu.Lock()
	defer g.client.mu.Unlock()
	if g.client.failDeletes > 0 {
		g.client.failDeletes--
		return ErrInjected
	}
	return nil
}

// Send delivers dv for handle, as a data change notification would.
func (g *Group) Send(handle uint32, dv *ua.DataValue) {
	g.handler.OnValue(g, handle, dv)
}

// Fault reports an asynchronous problem on the group.
func (g *Group) Fault(kind opc.FaultKind, status ua.StatusCode) {
	g.handler.OnFault(g, kind, status)
}
