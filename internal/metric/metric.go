// Package metric defines the recorder's prometheus metrics and serves them over HTTP.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "productionpilot"

// Metrics holds every collector the recorder updates.
type Metrics struct {
	// Subscription engine
	ValuesReceived     prometheus.Counter
	UnknownHandleDrops prometheus.Counter
	ListenerPanics     prometheus.Counter
	Actions            *prometheus.CounterVec // action, result
	QueueDepth         *prometheus.GaugeVec   // queue
	Recoveries         *prometheus.CounterVec // fault
	BoundItems         prometheus.Gauge

	// Connection
	ConnectionUp       prometheus.Gauge
	ConnectionAttempts *prometheus.CounterVec // result

	// Recording
	MeasurementsPersisted prometheus.Counter
	EarlyDrops            prometheus.Counter
	PersistErrors         prometheus.Counter
	ActiveRecordings      prometheus.Gauge
	Reconciliations       prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves them
// unregistered, which tests use to get isolated instances.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ValuesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "values_received_total",
			Help: "Value notifications received for known handles",
		}),
		UnknownHandleDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "unknown_handle_drops_total",
			Help: "Value notifications dropped because their handle was no longer assigned",
		}),
		ListenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "listener_panics_total",
			Help: "Listener invocations that panicked and were recovered",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "actions_total",
			Help: "Worker actions by kind (create, destroy, resubscribe) and result (ok, error, skipped)",
		}, []string{"action", "result"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "queue_depth",
			Help: "Pending subscriptions per work queue",
		}, []string{"queue"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "recoveries_total",
			Help: "Subscriptions marked bad and re-queued, by triggering fault",
		}, []string{"fault"}),
		BoundItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "bound_items",
			Help: "Items currently holding a handle",
		}),
		ConnectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "up",
			Help: "1 while a client is installed",
		}),
		ConnectionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "attempts_total",
			Help: "Connection attempts by result",
		}, []string{"result"}),
		MeasurementsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recording", Name: "measurements_persisted_total",
			Help: "Measurements written to the store",
		}),
		EarlyDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recording", Name: "early_drops_total",
			Help: "Values dropped because they arrived before the parameter's sampling interval elapsed",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recording", Name: "persist_errors_total",
			Help: "Measurements that failed to persist",
		}),
		ActiveRecordings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "recording", Name: "active",
			Help: "Parameters currently being recorded",
		}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recording", Name: "reconciliations_total",
			Help: "Reconciliation passes run",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ValuesReceived, m.UnknownHandleDrops, m.ListenerPanics, m.Actions, m.QueueDepth,
		m.Recoveries, m.BoundItems, m.ConnectionUp, m.ConnectionAttempts,
		m.MeasurementsPersisted, m.EarlyDrops, m.PersistErrors, m.ActiveRecordings, m.Reconciliations,
	}
}

// NewRegistry returns a registry carrying Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
