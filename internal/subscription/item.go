package subscription

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fkirchmann/ProductionPilot/internal/opc"
)

// Listener receives an item's events. Either function may be nil.
type Listener struct {
	// Value is called synchronously on the client's I/O goroutine for every
	// value received. It must not block.
	Value func(item *Item, v *opc.MeasuredValue)
	// Active is called on the worker once the item is bound on the server.
	Active func(item *Item)
}

// Forward returns a Listener that sends values to ch. Values are dropped while
// ch is full, so a slow reader never stalls the I/O goroutine.
func Forward(ch chan<- *opc.MeasuredValue) Listener {
	return Listener{Value: func(_ *Item, v *opc.MeasuredValue) {
		select {
		case ch <- v:
		default:
		}
	}}
}

// Request asks for one node to be monitored at SamplingInterval.
// Node may be a placeholder; its type is resolved before the item is created.
type Request struct {
	Node             *opc.Node
	SamplingInterval time.Duration
	Listener         Listener
}

// Item is the live binding of one requested node to server-side monitoring.
type Item struct {
	sub              *Subscription
	samplingInterval time.Duration
	listener         Listener

	mu        sync.RWMutex
	node      *opc.Node
	h         uint32
	hasHandle bool
	status    opc.StatusCode
	lastValue *opc.MeasuredValue

	updates atomic.Uint64

	group opc.Group // guarded by Manager.mu
}

func newItem(sub *Subscription, r Request) *Item {
	return &Item{
		sub:              sub,
		samplingInterval: r.SamplingInterval,
		listener:         r.Listener,
		node:             r.Node,
		status:           opc.StatusBadNoData,
	}
}

// Subscription returns the subscription the item belongs to.
func (it *Item) Subscription() *Subscription { return it.sub }

// SamplingInterval returns the requested sampling interval.
func (it *Item) SamplingInterval() time.Duration { return it.samplingInterval }

// Node returns the monitored node, with its resolved type once bound.
func (it *Item) Node() *opc.Node {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.node
}

// Status returns the item's current status code.
func (it *Item) Status() opc.StatusCode {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.status
}

// LastValue returns the most recent value, or nil if none arrived yet.
func (it *Item) LastValue() *opc.MeasuredValue {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.lastValue
}

// Updates returns the number of values received.
func (it *Item) Updates() uint64 { return it.updates.Load() }

// Handle returns the client handle while the item is bound.
func (it *Item) Handle() (uint32, bool) { return it.handle() }

func (it *Item) handle() (uint32, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.h, it.hasHandle
}

func (it *Item) setHandle(h uint32) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.h, it.hasHandle = h, true
}

func (it *Item) clearHandle() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.h, it.hasHandle = 0, false
}

func (it *Item) setNode(n *opc.Node) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.node = n
}

func (it *Item) setStatus(s opc.StatusCode) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.status = s
}

func (it *Item) record(status opc.StatusCode, v *opc.MeasuredValue) {
	it.mu.Lock()
	it.status = status
	if v != nil {
		it.lastValue = v
	}
	it.mu.Unlock()
	if v != nil {
		it.updates.Add(1)
	}
}
