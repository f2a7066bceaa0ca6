package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	zeppayMetricsOnce sync.Once
	zeppayRegistry    *ZepPayMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP surface
// activity segmented by module (merchant, sponsor) and route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zeppay",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zeppay",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "zeppay",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zeppay",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP status that
// was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and reason.
// Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// ZepPayMetrics wraps collectors tracking orchestrator health.
type ZepPayMetrics struct {
	ledgerCalls   *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	redemptions   *prometheus.CounterVec
	sagas         *prometheus.CounterVec
	probeCapHits  prometheus.Counter
	notifications *prometheus.CounterVec
	remaining     *prometheus.GaugeVec
	activeSession prometheus.Gauge
}

// ZepPay exposes the orchestrator metrics registry.
func ZepPay() *ZepPayMetrics {
	zeppayMetricsOnce.Do(func() {
		zeppayRegistry = &ZepPayMetrics{
			ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zeppay",
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Ledger operations segmented by operation and error kind.",
			}, []string{"op", "outcome"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "zeppay",
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for submit-and-confirm ledger round trips.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
			}, []string{"op"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zeppay",
				Subsystem: "redemption",
				Name:      "transitions_total",
				Help:      "Redemption session state transitions.",
			}, []string{"from", "to"}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zeppay",
				Subsystem: "redemption",
				Name:      "outcomes_total",
				Help:      "Terminal redemption outcomes segmented by reason.",
			}, []string{"outcome", "reason"}),
			sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zeppay",
				Subsystem: "sponsorship",
				Name:      "saga_phases_total",
				Help:      "Sponsorship saga phase transitions.",
			}, []string{"phase"}),
			probeCapHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zeppay",
				Subsystem: "sponsorship",
				Name:      "probe_cap_hits_total",
				Help:      "Beneficiary enumerations that stopped at the probe cap without an end-of-list signal.",
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zeppay",
				Subsystem: "notify",
				Name:      "messages_total",
				Help:      "Code notifications segmented by dispatcher and outcome.",
			}, []string{"dispatcher", "outcome"}),
			remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "zeppay",
				Subsystem: "sponsorship",
				Name:      "remaining_units",
				Help:      "Remaining sponsorship balance per category in token base units, as last read.",
			}, []string{"category"}),
			activeSession: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "zeppay",
				Subsystem: "redemption",
				Name:      "sessions_active",
				Help:      "Redemption sessions currently open.",
			}),
		}
		prometheus.MustRegister(
			zeppayRegistry.ledgerCalls,
			zeppayRegistry.ledgerLatency,
			zeppayRegistry.transitions,
			zeppayRegistry.redemptions,
			zeppayRegistry.sagas,
			zeppayRegistry.probeCapHits,
			zeppayRegistry.notifications,
			zeppayRegistry.remaining,
			zeppayRegistry.activeSession,
		)
	})
	return zeppayRegistry
}

// ObserveLedger records one ledger round trip. kind is the classified error kind, empty on
// success.
func (m *ZepPayMetrics) ObserveLedger(op, kind string, d time.Duration) {
	if m == nil {
		return
	}
	op = label(op, "unknown")
	m.ledgerCalls.WithLabelValues(op, label(kind, "success")).Inc()
	m.ledgerLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordTransition counts a redemption state change.
func (m *ZepPayMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(from, "unknown"), label(to, "unknown")).Inc()
}

// RecordRedemption counts a terminal redemption outcome.
func (m *ZepPayMetrics) RecordRedemption(outcome, reason string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(label(outcome, "unknown"), label(reason, "none")).Inc()
}

// RecordSagaPhase counts a saga reaching phase.
func (m *ZepPayMetrics) RecordSagaPhase(phase string) {
	if m == nil {
		return
	}
	m.sagas.WithLabelValues(label(phase, "unknown")).Inc()
}

// RecordProbeCap counts a beneficiary enumeration truncated at the cap.
func (m *ZepPayMetrics) RecordProbeCap() {
	if m == nil {
		return
	}
	m.probeCapHits.Inc()
}

// RecordNotification counts a dispatch attempt.
func (m *ZepPayMetrics) RecordNotification(dispatcher string, ok bool) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if !ok {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(label(dispatcher, "unknown"), outcome).Inc()
}

// RecordRemaining sets the last read remaining balance for a category.
func (m *ZepPayMetrics) RecordRemaining(category string, units *big.Int) {
	if m == nil {
		return
	}
	m.remaining.WithLabelValues(label(category, "unknown")).Set(bigToFloat(units))
}

// SessionOpened and SessionClosed track the active session gauge.
func (m *ZepPayMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSession.Inc()
}

func (m *ZepPayMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSession.Dec()
}

func label(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
