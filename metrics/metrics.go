// Package metrics exposes Prometheus counters for the auth gate. All
// methods are nil-safe so instrumentation stays optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the gate's counters.
type Set struct {
	decisions   *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	exchanges   *prometheus.CounterVec
	resolutions *prometheus.CounterVec
}

// New registers the counter set on reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "validator_decisions_total",
			Help:      "Session validator decisions by outcome.",
		}, []string{"decision"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "session_refreshes_total",
			Help:      "Session refresh attempts by result.",
		}, []string{"result"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "oauth_exchanges_total",
			Help:      "OAuth exchange outcomes by terminal state.",
		}, []string{"outcome"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgate",
			Name:      "identity_resolutions_total",
			Help:      "Client cache resolution outcomes.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(s.decisions, s.refreshes, s.exchanges, s.resolutions)
	return s
}

// Decision counts a validator decision ("allow", "login", "home").
func (s *Set) Decision(decision string) {
	if s == nil {
		return
	}
	s.decisions.WithLabelValues(decision).Inc()
}

// Refresh counts a refresh attempt ("ok", "failed").
func (s *Set) Refresh(result string) {
	if s == nil {
		return
	}
	s.refreshes.WithLabelValues(result).Inc()
}

// Exchange counts a terminal exchange outcome ("exchanged" or a failure
// reason code).
func (s *Set) Exchange(outcome string) {
	if s == nil {
		return
	}
	s.exchanges.WithLabelValues(outcome).Inc()
}

// Resolution counts a client cache resolution outcome.
func (s *Set) Resolution(outcome string) {
	if s == nil {
		return
	}
	s.resolutions.WithLabelValues(outcome).Inc()
}
