package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "applyx"

// Metric label values for admission decisions.
const (
	DecisionAllowed = "allowed"
	DecisionRefused = "refused"
	DecisionError   = "error"
)

// Metrics holds the collectors shared by the supervisor, ledger, scheduler
// and HTTP surface. A nil *Metrics records nothing.
type Metrics struct {
	activeSessions   prometheus.Gauge
	sessionStarts    *prometheus.CounterVec
	sessionEnds      *prometheus.CounterVec
	heartbeats       *prometheus.CounterVec
	quotaDecisions   *prometheus.CounterVec
	scheduledRestart *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is not nil
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently supervised by this process.",
		}),
		sessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_starts_total",
			Help:      "Total number of session start attempts by outcome.",
		}, []string{"outcome"}),
		sessionEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_ends_total",
			Help:      "Total number of sessions that reached a terminal status.",
		}, []string{"status"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeat ticks by result.",
		}, []string{"result"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Total number of quota admission decisions.",
		}, []string{"operation", "decision"}),
		scheduledRestart: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_restarts_total",
			Help:      "Total number of tenant restarts performed by the daily scheduler.",
		}, []string{"status"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Total number of HTTP requests refused by the rate limiter.",
		}, []string{"scope"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.activeSessions, m.sessionStarts, m.sessionEnds, m.heartbeats,
			m.quotaDecisions, m.scheduledRestart, m.rateLimited,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// SetActiveSessions records the number of sessions this process supervises
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SessionStarted records a start attempt by outcome (started, quota_exceeded, ...)
func (m *Metrics) SessionStarted(outcome string) {
	if m == nil {
		return
	}
	m.sessionStarts.WithLabelValues(outcome).Inc()
}

// SessionEnded records a session reaching status
func (m *Metrics) SessionEnded(status string) {
	if m == nil {
		return
	}
	m.sessionEnds.WithLabelValues(status).Inc()
}

// Heartbeat records one heartbeat tick
func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

// QuotaDecision records an admission decision for operation
func (m *Metrics) QuotaDecision(operation, decision string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(operation, decision).Inc()
}

// ScheduledRestart records one scheduler restart outcome
func (m *Metrics) ScheduledRestart(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.scheduledRestart.WithLabelValues(status).Inc()
}

// RateLimited records a request refused for scope (ip or tenant)
func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}
