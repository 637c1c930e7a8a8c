// Package connection keeps one server session alive and exposes it as the
// browse/read/subscribe facade the rest of the recorder works against.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fkirchmann/ProductionPilot/internal/metric"
	"github.com/fkirchmann/ProductionPilot/internal/opc"
	"github.com/fkirchmann/ProductionPilot/internal/subscription"
)

const closeTimeout = 5 * time.Second

// DialFunc opens a new session.
type DialFunc func(ctx context.Context) (opc.Client, error)

// Config controls reconnection.
type Config struct {
	RetryInterval time.Duration
}

// Connection owns the session lifecycle and hands every new client to the
// subscription manager.
type Connection struct {
	dial    DialFunc
	cfg     Config
	manager *subscription.Manager
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	client    opc.Client
	listeners []func(connected bool)
}

var _ opc.Browser = (*Connection)(nil)

// New creates a connection. It does not dial until Run is called.
func New(dial DialFunc, manager *subscription.Manager, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Connection {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if metrics == nil {
		metrics = metric.New(nil)
	}
	return &Connection{
		dial:    dial,
		cfg:     cfg,
		manager: manager,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// OnStateChange registers fn to be called with every connect and disconnect.
// Must be called before Run.
func (c *Connection) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Manager returns the subscription manager fed by this connection.
func (c *Connection) Manager() *subscription.Manager { return c.manager }

// Connected reports whether a session is currently open.
func (c *Connection) Connected() bool {
	return c.current() != nil
}

func (c *Connection) current() opc.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Run dials until it succeeds, serves the session until it is lost, and
// starts over. It returns when ctx is cancelled.
func (c *Connection) Run(ctx context.Context) error {
	var lastErr string
	for {
		client, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.metrics.ConnectionAttempts.WithLabelValues("error").Inc()
			// only the first occurrence of an error is worth a warning
			if msg := err.Error(); msg != lastErr {
				c.logger.Warn("connection: connect failed, retrying", "error", err, "retry_in", c.cfg.RetryInterval)
				lastErr = msg
			} else {
				c.logger.Debug("connection: connect failed again", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
			continue
		}
		lastErr = ""
		c.metrics.ConnectionAttempts.WithLabelValues("ok").Inc()
		c.logger.Info("connection: established")

		c.setClient(client)
		select {
		case <-ctx.Done():
			c.setClient(nil)
			c.closeClient(client)
			return ctx.Err()
		case <-client.Done():
		}
		c.logger.Warn("connection: lost, reconnecting")
		c.setClient(nil)
		c.closeClient(client)
	}
}

func (c *Connection) setClient(client opc.Client) {
	c.mu.Lock()
	c.client = client
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()

	if client != nil {
		c.metrics.ConnectionUp.Set(1)
	} else {
		c.metrics.ConnectionUp.Set(0)
	}
	c.manager.SetClient(client)
	for _, fn := range listeners {
		fn(client != nil)
	}
}

func (c *Connection) closeClient(client opc.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		c.logger.Debug("connection: close failed", "error", err)
	}
}

// Root returns the Objects folder, the starting point for browsing.
func (c *Connection) Root() *opc.Node {
	return opc.NewNode(opc.ObjectsFolder(), "Objects", "", opc.TypeObject, c)
}

// Browse implements opc.Browser on the current session.
func (c *Connection) Browse(ctx context.Context, parents []*opc.Node) ([][]*opc.Node, error) {
	client := c.current()
	if client == nil {
		return nil, opc.ErrNotConnected
	}
	ids := make([]opc.NodeID, len(parents))
	for i, p := range parents {
		ids[i] = p.ID()
	}
	refs, err := client.Browse(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(refs) != len(parents) {
		return nil, fmt.Errorf("%w: browse returned %d results for %d nodes", opc.ErrClient, len(refs), len(parents))
	}
	out := make([][]*opc.Node, len(parents))
	for i, parent := range parents {
		for _, ref := range refs[i] {
			out[i] = append(out[i], opc.NewNode(ref.ID, ref.Name, childPath(parent, ref.Name), ref.Type, c))
		}
	}
	return out, nil
}

func childPath(parent *opc.Node, name string) string {
	if parent.Path() == "" {
		return name
	}
	return parent.Path() + "/" + name
}

// Resolve returns typed nodes for ids, in order.
func (c *Connection) Resolve(ctx context.Context, ids []opc.NodeID) ([]*opc.Node, error) {
	client := c.current()
	if client == nil {
		return nil, opc.ErrNotConnected
	}
	types, err := client.ResolveNodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(types) != len(ids) {
		return nil, fmt.Errorf("%w: resolve returned %d types for %d nodes", opc.ErrClient, len(types), len(ids))
	}
	nodes := make([]*opc.Node, len(ids))
	for i, id := range ids {
		nodes[i] = opc.NewNode(id, id.String(), "", types[i], c)
	}
	return nodes, nil
}

// Node parses address and resolves its type.
func (c *Connection) Node(ctx context.Context, address string) (*opc.Node, error) {
	id, err := opc.ParseNodeID(address)
	if err != nil {
		return nil, err
	}
	nodes, err := c.Resolve(ctx, []opc.NodeID{id})
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

// Read reads the current value of node. The result is nil, without error,
// when the server holds no value.
func (c *Connection) Read(ctx context.Context, node *opc.Node) (*opc.MeasuredValue, error) {
	client := c.current()
	if client == nil {
		return nil, opc.ErrNotConnected
	}
	dv, err := client.Read(ctx, node.ID())
	if err != nil {
		return nil, err
	}
	return opc.MapMeasuredValue(node, dv, c.now()), nil
}

// WaitConnected blocks until a session is open or ctx ends.
func (c *Connection) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !c.Connected() {
		select {
		case <-ctx.Done():
			return errors.Join(opc.ErrNotConnected, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
