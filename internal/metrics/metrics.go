package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "marketplace_ledger"

// Metrics holds the ledger's prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps unit tests free of registries.
type Metrics struct {
	webhooksTotal         *prometheus.CounterVec
	withdrawalsTotal      *prometheus.CounterVec
	withdrawalReversals   *prometheus.CounterVec
	depositsTotal         *prometheus.CounterVec
	escrowTransitions     *prometheus.CounterVec
	reconciledTotal       prometheus.Counter
	listenerTicksTotal    *prometheus.CounterVec
	listenerLastTickUnix  prometheus.Gauge
	mirroredTotal         *prometheus.CounterVec
	gatewayCallDuration   *prometheus.HistogramVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDurationMs *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		webhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recorder",
				Name:      "webhooks_total",
				Help:      "Webhooks received by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		withdrawalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "withdrawal",
				Name:      "requests_total",
				Help:      "Withdrawal requests by chosen path.",
			},
			[]string{"path"},
		),
		withdrawalReversals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "withdrawal",
				Name:      "reversals_total",
				Help:      "Withdrawals credited back, by cause.",
			},
			[]string{"cause"},
		),
		depositsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recorder",
				Name:      "deposits_total",
				Help:      "Deposits by final status.",
			},
			[]string{"status"},
		),
		escrowTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow state transitions by target status.",
			},
			[]string{"status"},
		),
		reconciledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "corrections_total",
				Help:      "Withdrawals corrected by the gateway reconciler.",
			},
		),
		listenerTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "ticks_total",
				Help:      "Settlement listener ticks by result.",
			},
			[]string{"result"},
		),
		listenerLastTickUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "last_tick_unix",
				Help:      "Unix time of the most recent completed listener tick.",
			},
		),
		mirroredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mirror",
				Name:      "exports_total",
				Help:      "Transactions exported to the mirror ledger by result.",
			},
			[]string{"result"},
		),
		gatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "call_duration_seconds",
				Help:      "Gateway call latency by provider and operation.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		httpRequestDurationMs: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_ms",
				Help:      "HTTP request latency in milliseconds by route.",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"route"},
		),
	}
}

func (m *Metrics) Webhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Withdrawal(path string) {
	if m == nil {
		return
	}
	m.withdrawalsTotal.WithLabelValues(path).Inc()
}

func (m *Metrics) WithdrawalReversed(cause string) {
	if m == nil {
		return
	}
	m.withdrawalReversals.WithLabelValues(cause).Inc()
}

func (m *Metrics) Deposit(status string) {
	if m == nil {
		return
	}
	m.depositsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) EscrowTransition(status string) {
	if m == nil {
		return
	}
	m.escrowTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Reconciled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconciledTotal.Add(float64(n))
}

func (m *Metrics) ListenerTick(result string, at time.Time) {
	if m == nil {
		return
	}
	m.listenerTicksTotal.WithLabelValues(result).Inc()
	m.listenerLastTickUnix.Set(float64(at.Unix()))
}

func (m *Metrics) Mirrored(result string) {
	if m == nil {
		return
	}
	m.mirroredTotal.WithLabelValues(result).Inc()
}

// ObserveGatewayCall records the latency of one gateway operation since start.
func (m *Metrics) ObserveGatewayCall(provider, operation string, start time.Time) {
	if m == nil {
		return
	}
	m.gatewayCallDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) HTTPRequest(route, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, code).Inc()
	m.httpRequestDurationMs.WithLabelValues(route).Observe(float64(duration.Milliseconds()))
}
