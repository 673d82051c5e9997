// Package metrics holds the prometheus collectors of the client and the
// development delivery service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	SyncEventsTotal     *prometheus.CounterVec
	StaleEventsTotal    prometheus.Counter
	StalledGroupsTotal  prometheus.Counter
	CommitConflictTotal prometheus.Counter
	MessagesTotal       *prometheus.CounterVec

	RelayRequestsTotal *prometheus.CounterVec
	RelayRetriesTotal  prometheus.Counter

	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciphergroup_sync_events_total",
				Help: "Events handled by the sync coordinator.",
			},
			[]string{"kind", "result"},
		),
		StaleEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ciphergroup_sync_stale_events_total",
			Help: "Events dropped because their epoch was already passed.",
		}),
		StalledGroupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ciphergroup_sync_stalled_groups_total",
			Help: "Times a group exceeded its buffer of future events.",
		}),
		CommitConflictTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ciphergroup_commit_conflicts_total",
			Help: "Commits rejected because another commit won the epoch.",
		}),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciphergroup_messages_total",
				Help: "Application messages encrypted or decrypted.",
			},
			[]string{"op", "result"},
		),
		RelayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciphergroup_relay_requests_total",
				Help: "Requests made to the delivery service.",
			},
			[]string{"path", "result"},
		),
		RelayRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ciphergroup_relay_retries_total",
			Help: "Delivery service requests retried after a transient failure.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.SyncEventsTotal,
			m.StaleEventsTotal,
			m.StalledGroupsTotal,
			m.CommitConflictTotal,
			m.MessagesTotal,
			m.RelayRequestsTotal,
			m.RelayRetriesTotal,
			m.HTTPRequestsTotal,
			m.HTTPRequestDurationSeconds,
		)
	}
	return m
}
