// Package instrumentation tracks per-error-kind counters for the ingest
// pipeline and SignalFlow client, backing the reset_error_counters
// operation with a Prometheus-exported CounterVec the way the teacher's
// internal/metrics package tracks errorsByType, trimmed to just the
// error-counting concern a client library needs.
package instrumentation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrorCounters tracks the number of errors encountered per error kind
// since the last Reset, exposed both to Prometheus and to callers of
// Snapshot/Reset (which backs the ingest pipeline's
// reset_error_counters()).
type ErrorCounters struct {
	vec *prometheus.CounterVec

	mu     sync.Mutex
	counts map[string]int64
}

// NewErrorCounters builds an ErrorCounters registered under the given
// Prometheus namespace (e.g. "signalfx_ingest" or "signalfx_signalflow").
func NewErrorCounters(namespace string) *ErrorCounters {
	return &ErrorCounters{
		vec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors encountered, by error kind.",
		}, []string{"kind"}),
		counts: make(map[string]int64),
	}
}

// Collector exposes the underlying CounterVec for registration with a
// prometheus.Registerer.
func (e *ErrorCounters) Collector() prometheus.Collector {
	return e.vec
}

// Inc records one occurrence of the given error kind.
func (e *ErrorCounters) Inc(kind string) {
	e.vec.WithLabelValues(kind).Inc()
	e.mu.Lock()
	e.counts[kind]++
	e.mu.Unlock()
}

// Snapshot returns the error counts accumulated since the last Reset, and
// resets the local tally to zero. The Prometheus-exported counters
// themselves are cumulative and are never reset, since Prometheus counters
// must only increase.
func (e *ErrorCounters) Snapshot() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	previous := e.counts
	e.counts = make(map[string]int64)
	return previous
}
