// Package metrics exposes Prometheus instrumentation for the tunnel control
// plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the control-plane counters. It implements the tunnel
// service's Recorder contract and the reconciliation engine's recorder hook.
type Metrics struct {
	planned  *prometheus.CounterVec
	created  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	pending  *prometheus.CounterVec
	deleted  *prometheus.CounterVec
	allocErr *prometheus.CounterVec

	syncTransitions *prometheus.CounterVec
	fullSyncJobs    prometheus.Counter
}

// New registers the control-plane metrics on the given registerer. Pass
// prometheus.DefaultRegisterer for the ambient registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		planned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wancore", Subsystem: "tunnels", Name: "planned_total",
			Help: "Tunnel intents produced by the topology planner.",
		}, []string{"org"}),
		created: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wancore", Subsystem: "tunnels", Name: "created_total",
			Help: "Tunnels successfully created and dispatched.",
		}, []string{"org"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wancore", Subsystem: "tunnels", Name: "skipped_total",
			Help: "Tunnel intents skipped during batch execution.",
		}, []string{"org"}),
		pending: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wancore", Subsystem: "tunnels", Name: "pending_total",
			Help: "Tunnels parked pending a missing prerequisite.",
		}, []string{"org"}),
		deleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wancore", Subsystem: "tunnels", Name: "deleted_total",
			Help: "Tunnels torn down.",
		}, []string{"org"}),
		allocErr: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wancore", Subsystem: "tunnels", Name: "allocation_failures_total",
			Help: "Failed tunnel number allocations.",
		}, []string{"org"}),
		syncTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wancore", Subsystem: "sync", Name: "state_transitions_total",
			Help: "Device sync state transitions by resulting state.",
		}, []string{"state"}),
		fullSyncJobs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wancore", Subsystem: "sync", Name: "full_sync_jobs_total",
			Help: "Full-sync jobs queued for drifted devices.",
		}),
	}
}

func (m *Metrics) TunnelsPlanned(org string, n int) { m.planned.WithLabelValues(org).Add(float64(n)) }
func (m *Metrics) TunnelCreated(org string)         { m.created.WithLabelValues(org).Inc() }
func (m *Metrics) TunnelSkipped(org string)         { m.skipped.WithLabelValues(org).Inc() }
func (m *Metrics) TunnelPending(org string)         { m.pending.WithLabelValues(org).Inc() }
func (m *Metrics) TunnelDeleted(org string)         { m.deleted.WithLabelValues(org).Inc() }
func (m *Metrics) AllocationFailed(org string)      { m.allocErr.WithLabelValues(org).Inc() }

func (m *Metrics) SyncStateChanged(state string) { m.syncTransitions.WithLabelValues(state).Inc() }
func (m *Metrics) FullSyncQueued()               { m.fullSyncJobs.Inc() }

// Handler serves the registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
