package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of the auth core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	gateDecisions   *prometheus.CounterVec
	loginAttempts   *prometheus.CounterVec
	tokenRefreshes  prometheus.Counter
	presenceTouches prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg skips registration.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "authgate"
	}

	m := &Metrics{
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Authorization gate decisions by path classification and outcome.",
		}, []string{"classification", "outcome"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by method and result.",
		}, []string{"method", "result"}),
		tokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Session tokens re-signed by the rolling refresh.",
		}),
		presenceTouches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_touches_total",
			Help:      "Presence registry updates from authorized requests.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.gateDecisions, m.loginAttempts, m.tokenRefreshes, m.presenceTouches} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) GateDecision(classification Classification, outcome Outcome) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(string(classification), string(outcome)).Inc()
}

func (m *Metrics) LoginAttempt(method, result string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(method, result).Inc()
}

func (m *Metrics) TokenRefreshed() {
	if m == nil {
		return
	}
	m.tokenRefreshes.Inc()
}

func (m *Metrics) PresenceTouched() {
	if m == nil {
		return
	}
	m.presenceTouches.Inc()
}
