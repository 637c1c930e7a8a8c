// Package subscription owns the lifecycle of server-side subscriptions against a
// single connection: batching, creation, teardown and recovery, all driven by one
// worker goroutine draining three work queues.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/fkirchmann/ProductionPilot/internal/metric"
	"github.com/fkirchmann/ProductionPilot/internal/opc"
)

// LevelTrace is below debug; used for expected, high-volume noise.
const LevelTrace = slog.Level(-8)

// shutdownTimeout bounds the teardown of bound subscriptions when Run exits.
const shutdownTimeout = 5 * time.Second

// Config holds manager tuning.
type Config struct {
	// MaxItemsPerGroup caps monitored items per server-side subscription.
	MaxItemsPerGroup int
	// QueueWindow is how much time each item's server-side queue should cover.
	QueueWindow time.Duration
	// MinQueueSize is the smallest server-side queue requested per item.
	MinQueueSize uint32
	// RetryDelay is the pause after a failed action before the worker continues.
	RetryDelay time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		MaxItemsPerGroup: 2500,
		QueueWindow:      5 * time.Second,
		MinQueueSize:     5,
		RetryDelay:       time.Second,
	}
}

type action int

const (
	actionCreate action = iota
	actionDestroy
	actionResubscribe
)

func (a action) String() string {
	switch a {
	case actionCreate:
		return "create"
	case actionDestroy:
		return "destroy"
	}
	return "resubscribe"
}

// Manager creates, destroys and recovers subscriptions on the current client.
// Subscribe and Unsubscribe only enqueue work; Run performs every server call.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
	handler opc.GroupHandler

	handles *handleMap[*Item]

	mu            sync.Mutex
	client        opc.Client
	seq           uint64
	wanted        map[*Subscription]struct{}
	toCreate      []*Subscription
	toDestroy     []*Subscription
	toResubscribe []*Subscription
	groups        map[opc.Group]*Subscription

	wake chan struct{}
}

// NewManager creates a manager. logger and metrics may be nil.
func NewManager(cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.MaxItemsPerGroup <= 0 {
		cfg.MaxItemsPerGroup = def.MaxItemsPerGroup
	}
	if cfg.QueueWindow <= 0 {
		cfg.QueueWindow = def.QueueWindow
	}
	if cfg.MinQueueSize == 0 {
		cfg.MinQueueSize = def.MinQueueSize
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if metrics == nil {
		metrics = metric.New(nil)
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		handles: newHandleMap[*Item](),
		wanted:  make(map[*Subscription]struct{}),
		groups:  make(map[opc.Group]*Subscription),
		wake:    make(chan struct{}, 1),
	}
	m.handler = groupHandler{m}
	return m
}

// Subscribe returns a subscription for reqs. It is bound on the server
// asynchronously, as soon as a client is available.
func (m *Manager) Subscribe(reqs []Request) *Subscription {
	s := &Subscription{m: m}
	for _, r := range reqs {
		s.items = append(s.items, newItem(s, r))
	}

	m.mu.Lock()
	m.seq++
	s.seq = m.seq
	m.wanted[s] = struct{}{}
	m.toCreate = append(m.toCreate, s)
	m.queuesChangedLocked()
	m.mu.Unlock()

	m.signal()
	return s
}

func (m *Manager) unsubscribe(s *Subscription) {
	m.mu.Lock()
	if _, ok := m.wanted[s]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.wanted, s)
	s.destroyScheduled = true
	m.toCreate = without(m.toCreate, s)
	m.toResubscribe = without(m.toResubscribe, s)
	m.toDestroy = append(m.toDestroy, s)
	m.queuesChangedLocked()
	m.mu.Unlock()

	m.signal()
}

// SetClient installs the client subscriptions are bound to. Subscriptions bound
// to a previous client are resubscribed on the new one. A nil client parks
// creation work until a client is installed again.
func (m *Manager) SetClient(c opc.Client) {
	m.mu.Lock()
	if m.client == c {
		m.mu.Unlock()
		return
	}
	m.client = c
	if c != nil {
		var stale []*Subscription
		for s := range m.wanted {
			if s.client != nil && s.client != c && !slices.Contains(m.toResubscribe, s) {
				stale = append(stale, s)
			}
		}
		slices.SortFunc(stale, func(a, b *Subscription) int { return compareSeq(a.seq, b.seq) })
		m.toResubscribe = append(m.toResubscribe, stale...)
		m.queuesChangedLocked()
		if len(stale) > 0 {
			m.logger.Info("subscription: client changed, resubscribing", "subscriptions", len(stale))
		}
	}
	m.mu.Unlock()

	m.signal()
}

// Client returns the installed client, or nil.
func (m *Manager) Client() opc.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Subscriptions returns the number of subscriptions that have not been unsubscribed.
func (m *Manager) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wanted)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drains the work queues until ctx is cancelled, then deletes everything
// still bound on the server.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("subscription: worker started")
	defer m.shutdown()

	for {
		act, s, client, ok := m.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
				continue
			}
		}

		if err := m.process(ctx, act, s, client); err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.RetryDelay):
		}
	}
}

// process performs one action; a failed action is re-queued at the tail.
func (m *Manager) process(ctx context.Context, act action, s *Subscription, client opc.Client) error {
	var err error
	switch act {
	case actionDestroy:
		m.unbind(ctx, s)
	case actionCreate:
		err = m.bind(ctx, client, s)
	case actionResubscribe:
		m.unbind(ctx, s)
		err = m.bind(ctx, client, s)
	}
	if err != nil {
		m.metrics.Actions.WithLabelValues(act.String(), "error").Inc()
		m.logger.Debug("subscription: action failed, re-queueing",
			"action", act.String(), "items", len(s.items), "error", err)
		m.requeue(act, s)
	}
	return err
}

// next pops the next action. Destroys run without a client; creation waits for one.
func (m *Manager) next() (action, *Subscription, opc.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.queuesChangedLocked()

	if len(m.toDestroy) > 0 {
		s := m.toDestroy[0]
		m.toDestroy = m.toDestroy[1:]
		return actionDestroy, s, nil, true
	}
	if m.client == nil {
		return 0, nil, nil, false
	}
	if len(m.toCreate) > 0 {
		s := m.toCreate[0]
		m.toCreate = m.toCreate[1:]
		return actionCreate, s, m.client, true
	}
	if len(m.toResubscribe) > 0 {
		s := m.toResubscribe[0]
		m.toResubscribe = m.toResubscribe[1:]
		return actionResubscribe, s, m.client, true
	}
	return 0, nil, nil, false
}

func (m *Manager) requeue(act action, s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wanted[s]; !ok {
		// unsubscribed meanwhile; its destroy is already queued
		return
	}
	switch act {
	case actionCreate:
		m.toCreate = append(m.toCreate, s)
	case actionResubscribe:
		if !slices.Contains(m.toResubscribe, s) {
			m.toResubscribe = append(m.toResubscribe, s)
		}
	}
	m.queuesChangedLocked()
}

func (m *Manager) queuesChangedLocked() {
	m.metrics.QueueDepth.WithLabelValues("create").Set(float64(len(m.toCreate)))
	m.metrics.QueueDepth.WithLabelValues("destroy").Set(float64(len(m.toDestroy)))
	m.metrics.QueueDepth.WithLabelValues("resubscribe").Set(float64(len(m.toResubscribe)))
}

// bind creates the server-side groups of s on client. A failed bind leaves
// nothing behind, so it can simply be retried.
func (m *Manager) bind(ctx context.Context, client opc.Client, s *Subscription) error {
	m.mu.Lock()
	skip := ""
	switch {
	case s.client != nil:
		skip = "already bound"
	case len(s.items) == 0:
		skip = "no items"
	case s.destroyScheduled:
		skip = "scheduled for destroy"
	}
	m.mu.Unlock()
	if skip != "" {
		m.logger.Debug("subscription: skipping bind", "reason", skip)
		m.metrics.Actions.WithLabelValues(actionCreate.String(), "skipped").Inc()
		return nil
	}

	if _, err := m.handles.assign(s.items); err != nil {
		// a bug, not a server problem; retrying cannot help
		m.logger.Error("subscription: cannot assign handles", "error", err)
		m.metrics.Actions.WithLabelValues(actionCreate.String(), "skipped").Inc()
		return nil
	}

	var created []opc.Group
	for _, items := range m.partition(s.items) {
		// the group may deliver before createGroup returns
		for _, it := range items {
			it.setStatus(opc.StatusBadNoData)
		}
		g, err := m.createGroup(ctx, client, items)
		if err != nil {
			m.rollback(ctx, s, created)
			return err
		}
		created = append(created, g)

		m.mu.Lock()
		m.groups[g] = s
		for _, it := range items {
			it.group = g
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	s.client = client
	m.mu.Unlock()

	m.metrics.Actions.WithLabelValues(actionCreate.String(), "ok").Inc()
	m.metrics.BoundItems.Set(float64(m.handles.size()))
	m.logger.Debug("subscription: bound", "items", len(s.items), "groups", len(created))

	for _, it := range s.items {
		if it.listener.Active != nil {
			m.call("active", func() { it.listener.Active(it) })
		}
	}
	return nil
}

// partition splits items into groups of at most MaxItemsPerGroup, in order.
func (m *Manager) partition(items []*Item) [][]*Item {
	var groups [][]*Item
	for len(items) > 0 {
		n := min(len(items), m.cfg.MaxItemsPerGroup)
		groups = append(groups, items[:n])
		items = items[n:]
	}
	return groups
}

func (m *Manager) createGroup(ctx context.Context, client opc.Client, items []*Item) (opc.Group, error) {
	if err := m.resolve(ctx, client, items); err != nil {
		return nil, err
	}
	req := opc.GroupRequest{
		PublishingInterval: publishingInterval(items),
		Items:              make([]opc.ItemRequest, len(items)),
	}
	for i, it := range items {
		h, _ := it.handle()
		req.Items[i] = opc.ItemRequest{
			NodeID:           it.Node().ID(),
			Handle:           h,
			SamplingInterval: it.samplingInterval,
			QueueSize:        m.queueSize(it.samplingInterval),
		}
	}
	return client.CreateGroup(ctx, req, m.handler)
}

// resolve determines the type of every placeholder node among items.
func (m *Manager) resolve(ctx context.Context, client opc.Client, items []*Item) error {
	var pending []*Item
	var ids []opc.NodeID
	for _, it := range items {
		if n := it.Node(); !n.Type().IsDetermined() {
			pending = append(pending, it)
			ids = append(ids, n.ID())
		}
	}
	if len(pending) == 0 {
		return nil
	}
	types, err := client.ResolveNodes(ctx, ids)
	if err != nil {
		return err
	}
	if len(types) != len(pending) {
		return errors.Join(opc.ErrClient, errors.New("resolve returned wrong number of types"))
	}
	for i, it := range pending {
		it.setNode(it.Node().WithType(types[i]))
	}
	return nil
}

// publishingInterval is the smallest sampling interval in a group; per-item
// pacing is left to each item's own sampling interval.
func publishingInterval(items []*Item) time.Duration {
	interval := items[0].samplingInterval
	for _, it := range items[1:] {
		interval = min(interval, it.samplingInterval)
	}
	return interval
}

// queueSize sizes an item's server-side queue to cover QueueWindow.
func (m *Manager) queueSize(interval time.Duration) uint32 {
	if interval <= 0 {
		return m.cfg.MinQueueSize
	}
	return max(m.cfg.MinQueueSize, uint32(m.cfg.QueueWindow/interval))
}

func (m *Manager) rollback(ctx context.Context, s *Subscription, created []opc.Group) {
	for _, g := range created {
		if err := g.Delete(ctx); err != nil {
			m.logger.Warn("subscription: delete after failed bind", "group", g.ID(), "error", err)
		}
	}
	m.mu.Lock()
	for _, g := range created {
		delete(m.groups, g)
	}
	for _, it := range s.items {
		it.group = nil
	}
	m.mu.Unlock()
	m.handles.remove(s.items)
}

// unbind deletes every distinct group of s. Failures are logged and skipped;
// handles are reclaimed regardless.
func (m *Manager) unbind(ctx context.Context, s *Subscription) {
	m.mu.Lock()
	if s.client == nil {
		m.mu.Unlock()
		return
	}
	var groups []opc.Group
	for _, it := range s.items {
		if it.group != nil && !slices.Contains(groups, it.group) {
			groups = append(groups, it.group)
		}
	}
	m.mu.Unlock()

	failed := 0
	for _, g := range groups {
		if err := g.Delete(ctx); err != nil {
			failed++
			m.logger.Warn("subscription: failed to delete group", "group", g.ID(), "error", err)
		}
	}

	m.mu.Lock()
	for _, g := range groups {
		delete(m.groups, g)
	}
	for _, it := range s.items {
		it.group = nil
	}
	s.client = nil
	m.mu.Unlock()
	m.handles.remove(s.items)

	result := "ok"
	if failed > 0 {
		result = "error"
	}
	m.metrics.Actions.WithLabelValues(actionDestroy.String(), result).Inc()
	m.metrics.BoundItems.Set(float64(m.handles.size()))
	m.logger.Debug("subscription: unbound", "items", len(s.items), "groups", len(groups), "failed", failed)
}

// recover marks every item of s bad and re-queues it: for resubscription while
// wanted, for destruction otherwise.
func (m *Manager) recover(s *Subscription, kind opc.FaultKind) {
	for _, it := range s.items {
		it.setStatus(opc.StatusBad)
	}
	m.mu.Lock()
	if _, wanted := m.wanted[s]; wanted {
		if !slices.Contains(m.toResubscribe, s) {
			m.toResubscribe = append(m.toResubscribe, s)
		}
	} else if !slices.Contains(m.toDestroy, s) {
		m.toDestroy = append(m.toDestroy, s)
	}
	m.queuesChangedLocked()
	m.mu.Unlock()

	m.metrics.Recoveries.WithLabelValues(kind.String()).Inc()
	m.signal()
}

func (m *Manager) cancelResubscribe(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.toResubscribe, s) {
		return
	}
	m.toResubscribe = without(m.toResubscribe, s)
	m.queuesChangedLocked()
	m.logger.Debug("subscription: good value received, resubscribe cancelled")
}

// shutdown deletes all bound subscriptions; the worker is gone, so this runs inline.
func (m *Manager) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	m.mu.Lock()
	var bound []*Subscription
	for _, s := range m.groups {
		if !slices.Contains(bound, s) {
			bound = append(bound, s)
		}
	}
	m.mu.Unlock()

	for _, s := range bound {
		m.unbind(ctx, s)
	}
	m.logger.Info("subscription: worker stopped", "unbound", len(bound))
}

// call runs fn, recovering and logging a panic so listeners cannot take down
// the goroutine delivering to them.
func (m *Manager) call(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.ListenerPanics.Inc()
			m.logger.Error("subscription: listener panicked", "callback", what, "panic", r)
		}
	}()
	fn()
}

// groupHandler receives notifications from the client's I/O goroutines.
type groupHandler struct{ m *Manager }

func (h groupHandler) OnValue(_ opc.Group, handle uint32, dv *ua.DataValue) {
	m := h.m
	m.call("value", func() {
		it, ok := m.handles.get(handle)
		if !ok {
			m.metrics.UnknownHandleDrops.Inc()
			m.logger.Log(context.Background(), LevelTrace, "subscription: value for unknown handle", "handle", handle)
			return
		}
		if dv == nil {
			return
		}
		status := opc.MapStatus(dv.Status)
		v := opc.MapMeasuredValue(it.Node(), dv, m.now())
		it.record(status, v)
		if v == nil {
			return
		}
		m.metrics.ValuesReceived.Inc()
		if status.IsGood() {
			m.cancelResubscribe(it.sub)
		}
		if it.listener.Value != nil {
			it.listener.Value(it, v)
		}
	})
}

func (h groupHandler) OnFault(g opc.Group, kind opc.FaultKind, status ua.StatusCode) {
	m := h.m
	m.call("fault", func() {
		mapped := opc.MapStatus(status)
		if kind == opc.FaultStatusChanged && mapped.IsGood() {
			m.logger.Debug("subscription: group status changed", "group", g.ID(), "status", mapped.String())
			return
		}
		m.mu.Lock()
		s, ok := m.groups[g]
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("subscription: fault for unknown group", "group", g.ID(), "fault", kind.String())
			return
		}
		m.logger.Warn("subscription: group fault, recovering",
			"group", g.ID(), "fault", kind.String(), "status", mapped.String(), "items", len(s.items))
		m.recover(s, kind)
	})
}

func without(queue []*Subscription, s *Subscription) []*Subscription {
	return slices.DeleteFunc(queue, func(q *Subscription) bool { return q == s })
}

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
