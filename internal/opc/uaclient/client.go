// Package uaclient implements opc.Client on top of gopcua.
package uaclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/fkirchmann/ProductionPilot/internal/opc"
)

const (
	// hierarchicalReferences is ns=0;i=33, the supertype of all tree references.
	hierarchicalReferences = 33

	// readBatchSize bounds nodes per read request; servers cap MaxNodesPerRead.
	readBatchSize = 500

	defaultNotifyBuffer = 1024
	statePollInterval   = time.Second
)

// Options configures Dial.
type Options struct {
	Endpoint         string
	HostnameOverride string // replaces the host the server advertises in its endpoints
	Username         string // empty means anonymous
	Password         string
	RequestTimeout   time.Duration
	SessionTimeout   time.Duration
	NotifyBuffer     int
	Logger           *slog.Logger
}

// Client is a connected gopcua client.
type Client struct {
	c            *opcua.Client
	logger       *slog.Logger
	notifyBuffer int

	done      chan struct{}
	doneOnce  sync.Once
	stop      chan struct{}
	closeOnce sync.Once
}

var _ opc.Client = (*Client)(nil)

// Dial discovers the server's unsecured endpoint and opens a session on it.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = defaultNotifyBuffer
	}

	endpoints, err := opcua.GetEndpoints(ctx, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: get endpoints: %v", opc.ErrClient, err)
	}
	ep := selectEndpoint(endpoints)
	if ep == nil {
		return nil, fmt.Errorf("%w: no endpoint without security at %s", opc.ErrClient, opts.Endpoint)
	}
	if opts.HostnameOverride != "" {
		ep.EndpointURL, err = overrideHost(ep.EndpointURL, opts.HostnameOverride)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", opc.ErrClient, err)
		}
	}

	auth, tokenType := "anonymous", ua.UserTokenTypeAnonymous
	clientOpts := []opcua.Option{opcua.AuthAnonymous()}
	if opts.Username != "" {
		auth, tokenType = "username", ua.UserTokenTypeUserName
		clientOpts = []opcua.Option{opcua.AuthUsername(opts.Username, opts.Password)}
	}
	clientOpts = append(clientOpts,
		opcua.SecurityFromEndpoint(ep, tokenType),
		opcua.AutoReconnect(false),
	)
	if opts.RequestTimeout > 0 {
		clientOpts = append(clientOpts, opcua.RequestTimeout(opts.RequestTimeout))
	}
	if opts.SessionTimeout > 0 {
		clientOpts = append(clientOpts, opcua.SessionTimeout(opts.SessionTimeout))
	}

	c, err := opcua.NewClient(ep.EndpointURL, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create client: %v", opc.ErrClient, err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", opc.ErrClient, ep.EndpointURL, err)
	}

	client := &Client{
		c:            c,
		logger:       logger,
		notifyBuffer: opts.NotifyBuffer,
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
	}
	go client.watch()
	logger.Info("uaclient: connected", "endpoint", ep.EndpointURL, "auth", auth)
	return client, nil
}

func selectEndpoint(endpoints []*ua.EndpointDescription) *ua.EndpointDescription {
	for _, ep := range endpoints {
		if ep.SecurityPolicyURI == ua.SecurityPolicyURINone && ep.SecurityMode == ua.MessageSecurityModeNone {
			return ep
		}
	}
	return nil
}

func overrideHost(endpointURL, host string) (string, error) {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return "", fmt.Errorf("parse endpoint url %q: %w", endpointURL, err)
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	return u.String(), nil
}

// watch closes done once the session is gone.
func (c *Client) watch() {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			c.markDone()
			return
		case <-ticker.C:
			switch c.c.State() {
			case opcua.Closed, opcua.Disconnected:
				c.logger.Warn("uaclient: connection lost")
				c.markDone()
				return
			}
		}
	}
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the session.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		if cerr := c.c.Close(ctx); cerr != nil {
			err = fmt.Errorf("%w: close: %v", opc.ErrClient, cerr)
		}
	})
	return err
}

// Browse returns the object and variable children of each parent.
func (c *Client) Browse(ctx context.Context, parents []opc.NodeID) ([][]opc.Reference, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	descs := make([]*ua.BrowseDescription, len(parents))
	for i, p := range parents {
		descs[i] = &ua.BrowseDescription{
			NodeID:          p.UA(),
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, hierarchicalReferences),
			IncludeSubtypes: true,
			NodeClassMask:   uint32(ua.NodeClassObject | ua.NodeClassVariable),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}
	}
	resp, err := c.c.Browse(ctx, &ua.BrowseRequest{
		View:          &ua.ViewDescription{ViewID: ua.NewTwoByteNodeID(0)},
		NodesToBrowse: descs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: browse: %v", opc.ErrClient, err)
	}
	if len(resp.Results) != len(parents) {
		return nil, fmt.Errorf("%w: browse returned %d results for %d nodes", opc.ErrClient, len(resp.Results), len(parents))
	}

	out := make([][]opc.Reference, len(parents))
	var variables []opc.NodeID
	type slot struct{ parent, child int }
	var variableSlots []slot
	for i, result := range resp.Results {
		if result.StatusCode != ua.StatusOK {
			c.logger.Debug("uaclient: browse result not ok", "node", parents[i], "status", result.StatusCode)
			continue
		}
		refs, err := c.browseRemaining(ctx, result)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if ref.NodeID == nil || ref.NodeID.NodeID == nil {
				continue
			}
			child := opc.Reference{ID: opc.FromUA(ref.NodeID.NodeID), Type: opc.TypeObject}
			if ref.BrowseName != nil {
				child.Name = ref.BrowseName.Name
			}
			if ref.NodeClass == ua.NodeClassVariable {
				child.Type = opc.TypeUndetermined
				variables = append(variables, child.ID)
				variableSlots = append(variableSlots, slot{i, len(out[i])})
			}
			out[i] = append(out[i], child)
		}
	}

	if len(variables) > 0 {
		types, err := c.ResolveNodes(ctx, variables)
		if err != nil {
			return nil, err
		}
		for k, s := range variableSlots {
			out[s.parent][s.child].Type = types[k]
		}
	}
	return out, nil
}

func (c *Client) browseRemaining(ctx context.Context, result *ua.BrowseResult) ([]*ua.ReferenceDescription, error) {
	refs := result.References
	cp := result.ContinuationPoint
	for len(cp) > 0 {
		next, err := c.c.BrowseNext(ctx, &ua.BrowseNextRequest{ContinuationPoints: [][]byte{cp}})
		if err != nil {
			return nil, fmt.Errorf("%w: browse next: %v", opc.ErrClient, err)
		}
		if len(next.Results) == 0 {
			break
		}
		refs = append(refs, next.Results[0].References...)
		cp = next.Results[0].ContinuationPoint
	}
	return refs, nil
}

// ResolveNodes reads NodeClass and DataType of every node, in batches.
func (c *Client) ResolveNodes(ctx context.Context, ids []opc.NodeID) ([]opc.NodeType, error) {
	types := make([]opc.NodeType, 0, len(ids))
	for start := 0; start < len(ids); start += readBatchSize / 2 {
		end := min(start+readBatchSize/2, len(ids))
		batch := ids[start:end]

		nodes := make([]*ua.ReadValueID, 0, 2*len(batch))
		for _, id := range batch {
			u := id.UA()
			nodes = append(nodes,
				&ua.ReadValueID{NodeID: u, AttributeID: ua.AttributeIDNodeClass},
				&ua.ReadValueID{NodeID: u, AttributeID: ua.AttributeIDDataType},
			)
		}
		resp, err := c.c.Read(ctx, &ua.ReadRequest{
			TimestampsToReturn: ua.TimestampsToReturnNeither,
			NodesToRead:        nodes,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: resolve nodes: %v", opc.ErrClient, err)
		}
		if len(resp.Results) != len(nodes) {
			return nil, fmt.Errorf("%w: read returned %d results for %d attributes", opc.ErrClient, len(resp.Results), len(nodes))
		}
		for i := range batch {
			types = append(types, resolveType(resp.Results[2*i], resp.Results[2*i+1]))
		}
	}
	return types, nil
}

func resolveType(class, dataType *ua.DataValue) opc.NodeType {
	if class == nil || class.Status != ua.StatusOK || class.Value == nil {
		return opc.TypeNotFound
	}
	nc, ok := class.Value.Value().(int32)
	if !ok {
		return opc.TypeNotFound
	}
	if ua.NodeClass(nc) != ua.NodeClassVariable {
		return opc.TypeObject
	}
	if dataType == nil || dataType.Status != ua.StatusOK || dataType.Value == nil {
		return opc.TypeOther
	}
	id, ok := dataType.Value.Value().(*ua.NodeID)
	if !ok {
		return opc.TypeOther
	}
	return opc.MapDataType(id)
}

// Read reads the current value of one node with source and server timestamps.
func (c *Client) Read(ctx context.Context, id opc.NodeID) (*ua.DataValue, error) {
	resp, err := c.c.Read(ctx, &ua.ReadRequest{
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: id.UA(), AttributeID: ua.AttributeIDValue},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", opc.ErrClient, id, err)
	}
	if len(resp.Results) != 1 {
		return nil, fmt.Errorf("%w: read %s returned %d results", opc.ErrClient, id, len(resp.Results))
	}
	return resp.Results[0], nil
}

// CreateGroup creates one subscription and its monitored items, and starts
// forwarding its notifications to h.
func (c *Client) CreateGroup(ctx context.Context, req opc.GroupRequest, h opc.GroupHandler) (opc.Group, error) {
	notifyCh := make(chan *opcua.PublishNotificationData, c.notifyBuffer)
	sub, err := c.c.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: req.PublishingInterval}, notifyCh)
	if err != nil {
		return nil, fmt.Errorf("%w: create subscription: %v", opc.ErrClient, err)
	}

	items := make([]*ua.MonitoredItemCreateRequest, len(req.Items))
	for i, it := range req.Items {
		items[i] = &ua.MonitoredItemCreateRequest{
			ItemToMonitor: &ua.ReadValueID{
				NodeID:       it.NodeID.UA(),
				AttributeID:  ua.AttributeIDValue,
				DataEncoding: &ua.QualifiedName{},
			},
			MonitoringMode: ua.MonitoringModeReporting,
			RequestedParameters: &ua.MonitoringParameters{
				ClientHandle:     it.Handle,
				SamplingInterval: float64(it.SamplingInterval) / float64(time.Millisecond),
				QueueSize:        it.QueueSize,
				DiscardOldest:    true,
			},
		}
	}
	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, items...)
	if err == nil && len(res.Results) != len(items) {
		err = fmt.Errorf("server returned %d results for %d monitored items", len(res.Results), len(items))
	}
	if err != nil {
		if cerr := sub.Cancel(ctx); cerr != nil {
			c.logger.Debug("uaclient: cancel after failed monitor", "subscription", sub.SubscriptionID, "error", cerr)
		}
		return nil, fmt.Errorf("%w: create monitored items: %v", opc.ErrClient, err)
	}

	g := &group{client: c, sub: sub, stop: make(chan struct{})}
	go g.dispatch(notifyCh, h)
	return g, nil
}

type group struct {
	client   *Client
	sub      *opcua.Subscription
	stop     chan struct{}
	stopOnce sync.Once
}

func (g *group) ID() uint32 { return g.sub.SubscriptionID }

// Delete cancels the subscription on the server and stops dispatching.
func (g *group) Delete(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stop) })
	if err := g.sub.Cancel(ctx); err != nil {
		return fmt.Errorf("%w: delete subscription %d: %v", opc.ErrClient, g.sub.SubscriptionID, err)
	}
	return nil
}

func (g *group) dispatch(ch <-chan *opcua.PublishNotificationData, h opc.GroupHandler) {
	for {
		select {
		case <-g.stop:
			return
		case <-g.client.done:
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			g.handle(msg, h)
		}
	}
}

func (g *group) handle(msg *opcua.PublishNotificationData, h opc.GroupHandler) {
	if msg.Error != nil {
		kind, status := classify(msg.Error)
		h.OnFault(g, kind, status)
		return
	}
	switch n := msg.Value.(type) {
	case *ua.DataChangeNotification:
		for _, item := range n.MonitoredItems {
			if item == nil {
				continue
			}
			h.OnValue(g, item.ClientHandle, item.Value)
		}
	case *ua.StatusChangeNotification:
		h.OnFault(g, opc.FaultStatusChanged, n.Status)
	default:
		g.client.logger.Debug("uaclient: ignoring notification", "subscription", g.ID(), "type", fmt.Sprintf("%T", msg.Value))
	}
}

// classify maps publish errors onto the fault kinds the manager recovers from.
func classify(err error) (opc.FaultKind, ua.StatusCode) {
	var code ua.StatusCode
	if !errors.As(err, &code) {
		return opc.FaultTransferFailed, ua.StatusBad
	}
	switch code {
	case ua.StatusBadTimeout:
		return opc.FaultWatchdog, code
	case ua.StatusBadSequenceNumberUnknown, ua.StatusBadMessageNotAvailable:
		return opc.FaultDataLost, code
	}
	return opc.FaultTransferFailed, code
}
