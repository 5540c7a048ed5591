// Package metrics holds the gateway's prometheus collectors. All methods are
// safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "msgate"

var sessionStates = []string{"disconnected", "pairing", "connected", "failed"}

type Metrics struct {
	queueSize       prometheus.Gauge
	sessionState    *prometheus.GaugeVec
	sendsTotal      *prometheus.CounterVec
	dispatchLatency prometheus.Histogram
	reconnects      prometheus.Counter
	closesTotal     *prometheus.CounterVec
	recorderTotal   *prometheus.CounterVec
	notifyTotal     *prometheus.CounterVec
	drainRuns       *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg gets a private registry,
// which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "queue_size",
			Help: "Messages waiting for a connected session",
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "messages_total",
			Help: "Outbound messages by result",
		}, []string{"result"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "dispatch_latency_seconds",
			Help: "Time spent handing one message to the session", Buckets: prometheus.DefBuckets,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "reconnects_total",
			Help: "Reconnect attempts scheduled",
		}),
		closesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "closes_total",
			Help: "Session close events by reason",
		}, []string{"reason"}),
		recorderTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recorder", Name: "records_total",
			Help: "Interaction records by outcome",
		}, []string{"outcome"}),
		notifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "notifications_total",
			Help: "Operator notifications by result",
		}, []string{"result"}),
		drainRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "drain_runs_total",
			Help: "Drain ticks by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(m.queueSize, m.sessionState, m.sendsTotal, m.dispatchLatency,
		m.reconnects, m.closesTotal, m.recorderTotal, m.notifyTotal, m.drainRuns)
	return m
}

func (m *Metrics) SetQueueSize(n int) {
	if m == nil {
		return
	}
	m.queueSize.Set(float64(n))
}

func (m *Metrics) SetSessionState(state string) {
	if m == nil {
		return
	}
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

// ObserveSend counts a send outcome: sent, queued, failed, rejected.
func (m *Metrics) ObserveSend(result string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchLatency.Observe(d.Seconds())
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ObserveClose(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.closesTotal.WithLabelValues(reason).Inc()
}

// ObserveRecord counts a recorder outcome: written, dropped, failed, breaker_open.
func (m *Metrics) ObserveRecord(outcome string) {
	if m == nil {
		return
	}
	m.recorderTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveNotify(result string) {
	if m == nil {
		return
	}
	m.notifyTotal.WithLabelValues(result).Inc()
}

// ObserveDrain counts a drain tick: ran, skipped, idle.
func (m *Metrics) ObserveDrain(outcome string) {
	if m == nil {
		return
	}
	m.drainRuns.WithLabelValues(outcome).Inc()
}
