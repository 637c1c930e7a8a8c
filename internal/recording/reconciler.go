// Package recording keeps the set of recorded parameters in line with the
// parameter directory and turns subscription values into persisted measurements.
package recording

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fkirchmann/ProductionPilot/internal/metric"
	"github.com/fkirchmann/ProductionPilot/internal/opc"
	"github.com/fkirchmann/ProductionPilot/internal/subscription"
	"github.com/fkirchmann/ProductionPilot/internal/types"
)

const storeTimeout = 10 * time.Second

// Store is the persistence the reconciler records into.
type Store interface {
	CountMeasurements(ctx context.Context, id types.ParameterID) (int64, error)
	// LastMeasurement returns nil, without error, when nothing was recorded yet.
	LastMeasurement(ctx context.Context, id types.ParameterID) (*types.Measurement, error)
	PersistMeasurement(ctx context.Context, id types.ParameterID, v *opc.MeasuredValue) (*types.Measurement, error)
}

// Subscriber creates subscriptions; implemented by *subscription.Manager.
type Subscriber interface {
	Subscribe(reqs []subscription.Request) *subscription.Subscription
}

// Reader reads a node's current value; implemented by *connection.Connection.
type Reader interface {
	Read(ctx context.Context, node *opc.Node) (*opc.MeasuredValue, error)
}

// Config tunes recording.
type Config struct {
	// EarlyTolerance is how much sooner than its sampling interval a value may
	// follow the previous measurement and still be recorded.
	EarlyTolerance time.Duration
	// ReadTimeout bounds the initial read of a parameter without measurements.
	ReadTimeout time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{EarlyTolerance: 90 * time.Millisecond, ReadTimeout: 10 * time.Second}
}

// recording is the live state of one recorded parameter.
type recording struct {
	id       types.ParameterID
	node     opc.NodeID
	interval time.Duration
	count    atomic.Int64
	// param is the latest parameter version; its binding always matches node
	// and interval
	param atomic.Pointer[types.Parameter]

	// guarded by Reconciler.stateMu
	sub  *subscription.Subscription
	item *subscription.Item

	// mu serializes the rate check with the write it guards
	mu   sync.Mutex
	last *types.Measurement
}

func newRecording(p types.Parameter, node opc.NodeID) *recording {
	rec := &recording{id: p.ID, node: node, interval: p.SamplingInterval}
	rec.param.Store(&p)
	return rec
}

func (rec *recording) parameter() types.Parameter {
	return *rec.param.Load()
}

func (rec *recording) lastMeasurement() *types.Measurement {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.last
}

// Reconciler records every wanted parameter.
type Reconciler struct {
	store      Store
	subscriber Subscriber
	reader     Reader
	cfg        Config
	logger     *slog.Logger
	metrics    *metric.Metrics

	ctx   context.Context
	reads sync.WaitGroup

	// mu serializes wanted-set changes and the reconciliation that follows each
	mu     sync.Mutex
	wanted map[types.ParameterID]types.Parameter

	stateMu    sync.RWMutex
	recordings map[types.ParameterID]*recording
	bySub      map[*subscription.Subscription][]*recording
}

// New creates a reconciler. It records nothing until Start.
func New(store Store, subscriber Subscriber, reader Reader, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Reconciler {
	def := DefaultConfig()
	if cfg.EarlyTolerance < 0 {
		cfg.EarlyTolerance = def.EarlyTolerance
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if metrics == nil {
		metrics = metric.New(nil)
	}
	return &Reconciler{
		store:      store,
		subscriber: subscriber,
		reader:     reader,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		ctx:        context.Background(),
		wanted:     make(map[types.ParameterID]types.Parameter),
		recordings: make(map[types.ParameterID]*recording),
		bySub:      make(map[*subscription.Subscription][]*recording),
	}
}

// Start records the initial parameter set. ctx bounds store access and
// initial reads for the reconciler's lifetime.
func (r *Reconciler) Start(ctx context.Context, initial []types.Parameter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	for _, p := range initial {
		r.wanted[p.ID] = p
	}
	r.reconcile()
}

// Stop unsubscribes every recording and waits for initial reads in flight.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	clear(r.wanted)
	r.reconcile()
	r.mu.Unlock()
	r.reads.Wait()
}

// ParameterCreated starts recording p.
func (r *Reconciler) ParameterCreated(p types.Parameter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Debug("recording: parameter created", "parameter", p.String())
	r.wanted[p.ID] = p
	r.reconcile()
}

// ParameterUpdated replaces the wanted version of p. The recording is only
// replaced when its node address or sampling interval changed.
func (r *Reconciler) ParameterUpdated(p types.Parameter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Debug("recording: parameter updated", "parameter", p.String())
	r.wanted[p.ID] = p
	r.reconcile()
}

// ParameterDeleted stops recording the parameter.
func (r *Reconciler) ParameterDeleted(id types.ParameterID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Debug("recording: parameter deleted", "id", id)
	delete(r.wanted, id)
	r.reconcile()
}

// reconcile converges recordings onto the wanted set. r.mu must be held.
//
// recordings and bySub are only written with both r.mu and stateMu held, so the
// diff and the store loads for new parameters run under r.mu alone and value
// delivery never waits on the database.
func (r *Reconciler) reconcile() {
	r.metrics.Reconciliations.Inc()

	var fresh []*recording
	for id, p := range r.wanted {
		if rec, ok := r.recordings[id]; ok && rec.parameter().SameBinding(p) {
			continue
		}
		node, err := opc.ParseNodeID(p.NodeAddress)
		if err != nil {
			r.logger.Error("recording: cannot parse node address, parameter will not be recorded",
				"parameter", p.String(), "address", p.NodeAddress, "error", err)
			delete(r.wanted, id)
			continue
		}
		fresh = append(fresh, r.load(p, node))
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	removed := 0
	for id, rec := range r.recordings {
		p, ok := r.wanted[id]
		if ok && rec.parameter().SameBinding(p) {
			rec.param.Store(&p)
			continue
		}
		removed++
		delete(r.recordings, id)
		r.release(rec)
	}
	for _, rec := range fresh {
		r.recordings[rec.id] = rec
	}
	if len(fresh) > 0 {
		r.subscribe(fresh)
	}
	r.metrics.ActiveRecordings.Set(float64(len(r.recordings)))
	r.logger.Debug("recording: reconciled",
		"recording", len(r.recordings), "added", len(fresh), "removed", removed, "subscriptions", len(r.bySub))
}

// release detaches rec from its batch. The batch stays subscribed until its
// last live recording is gone; values for released items are ignored by
// current. r.stateMu must be held.
func (r *Reconciler) release(rec *recording) {
	if rec.sub == nil {
		return
	}
	live := slices.DeleteFunc(r.bySub[rec.sub], func(other *recording) bool { return other == rec })
	if len(live) > 0 {
		r.bySub[rec.sub] = live
		return
	}
	delete(r.bySub, rec.sub)
	rec.sub.Unsubscribe()
}

// load creates a recording seeded from the store. Store failures degrade to an
// empty history rather than blocking the recording.
func (r *Reconciler) load(p types.Parameter, node opc.NodeID) *recording {
	rec := newRecording(p, node)
	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()

	count, err := r.store.CountMeasurements(ctx, p.ID)
	if err != nil {
		r.logger.Warn("recording: cannot count measurements", "parameter", p.String(), "error", err)
	}
	rec.count.Store(count)

	last, err := r.store.LastMeasurement(ctx, p.ID)
	if err != nil {
		r.logger.Warn("recording: cannot load last measurement", "parameter", p.String(), "error", err)
	}
	rec.last = last
	return rec
}

// subscribe binds batch with a single manager call. r.stateMu must be held.
func (r *Reconciler) subscribe(batch []*recording) {
	slices.SortFunc(batch, func(a, b *recording) int { return cmp.Compare(a.id, b.id) })

	reqs := make([]subscription.Request, len(batch))
	for i, rec := range batch {
		reqs[i] = subscription.Request{
			Node:             opc.Placeholder(rec.node),
			SamplingInterval: rec.interval,
			Listener: subscription.Listener{
				Value:  func(it *subscription.Item, v *opc.MeasuredValue) { r.onValue(rec, it, v) },
				Active: func(it *subscription.Item) { r.onActive(rec, it) },
			},
		}
	}
	sub := r.subscriber.Subscribe(reqs)
	items := sub.Items()
	for i, rec := range batch {
		rec.sub, rec.item = sub, items[i]
	}
	r.bySub[sub] = batch
}

// current reports whether it is the live item of a live recording.
func (r *Reconciler) current(rec *recording, it *subscription.Item) bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.recordings[rec.id] == rec && rec.item == it
}

func (r *Reconciler) onValue(rec *recording, it *subscription.Item, v *opc.MeasuredValue) {
	if !r.current(rec, it) {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.last != nil {
		earliest := rec.last.ClientTime.Add(rec.interval - r.cfg.EarlyTolerance)
		if v.ClientTime.Before(earliest) {
			r.metrics.EarlyDrops.Inc()
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()
	m, err := r.store.PersistMeasurement(ctx, rec.id, v)
	if err != nil {
		r.metrics.PersistErrors.Inc()
		r.logger.Error("recording: cannot persist measurement", "parameter", rec.parameter().String(), "error", err)
		return
	}
	rec.last = m
	rec.count.Add(1)
	r.metrics.MeasurementsPersisted.Inc()
}

func (r *Reconciler) onActive(rec *recording, it *subscription.Item) {
	if !r.current(rec, it) {
		return
	}
	p := rec.parameter()
	node := it.Node()
	switch t := node.Type(); {
	case !t.Exists():
		r.logger.Warn("recording: node does not exist", "parameter", p.String(), "node", node.ID().String())
		return
	case !t.IsDetermined():
		r.logger.Warn("recording: node type could not be determined", "parameter", p.String(), "node", node.ID().String())
		return
	case !t.IsVariable():
		r.logger.Warn("recording: node is not a variable, cannot record it", "parameter", p.String(), "node", node.String())
		return
	}
	r.logger.Debug("recording: parameter active", "parameter", p.String())
	if rec.lastMeasurement() != nil {
		return
	}

	// subscriptions only report changes; seed parameters that were never recorded
	r.reads.Add(1)
	go func() {
		defer r.reads.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ReadTimeout)
		defer cancel()
		v, err := r.reader.Read(ctx, node)
		if err != nil {
			r.logger.Warn("recording: initial read failed", "parameter", p.String(), "error", err)
			return
		}
		if v != nil {
			r.onValue(rec, it, v)
		}
	}()
}
