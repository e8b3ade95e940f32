package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "hostvisor"
	subsystem = "server"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of successful server starts.",
		}, []string{"backend"},
	)
	startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "start_failures_total",
			Help:      "Number of failed start attempts by failure class.",
		}, []string{"class"},
	)
	unexpectedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unexpected_exits_total",
			Help:      "Number of exits after the server reached running.",
		}, []string{"backend"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of caller-initiated stops.",
		}, []string{"backend"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	installDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "install_duration_seconds",
			Help:      "Time spent checking and staging the server artifacts.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serverStarts, startFailures, unexpectedExits, serverStops, stateTransitions, currentState, installDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered collectors are kept
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(backend string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(backend).Inc()
	}
}

func IncStartFailure(class string) {
	if regOK.Load() {
		startFailures.WithLabelValues(class).Inc()
	}
}

func IncUnexpectedExit(backend string) {
	if regOK.Load() {
		unexpectedExits.WithLabelValues(backend).Inc()
	}
}

func IncStop(backend string) {
	if regOK.Load() {
		serverStops.WithLabelValues(backend).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetCurrentState marks state active and every other known state inactive.
func SetCurrentState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		var v float64
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

func ObserveInstallDuration(seconds float64) {
	if regOK.Load() {
		installDuration.Observe(seconds)
	}
}
