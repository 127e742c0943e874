// Package observability carries the coordinator's Prometheus registry and
// the OTLP / structured-logging glue in its subpackages.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoordinatorMetrics tracks the swap pipeline end to end: ingestion volume,
// adapter failures, retries, reorg rewinds, cursor lag, and per-phase swap
// population.
type CoordinatorMetrics struct {
	eventsIngested *prometheus.CounterVec
	adapterErrors  *prometheus.CounterVec
	retries        *prometheus.CounterVec
	reorgRewinds   *prometheus.CounterVec
	incidents      *prometheus.CounterVec
	ambiguous      prometheus.Counter
	cursorLag      *prometheus.GaugeVec
	swapPhases     *prometheus.GaugeVec
	actionLatency  *prometheus.HistogramVec
}

var (
	coordinatorOnce sync.Once
	coordinatorReg  *CoordinatorMetrics
)

// Coordinator returns the lazily-initialised coordinator metrics registry.
func Coordinator() *CoordinatorMetrics {
	coordinatorOnce.Do(func() {
		coordinatorReg = &CoordinatorMetrics{
			eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swaprelay",
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Escrow events consumed, segmented by ledger and kind.",
			}, []string{"ledger", "kind"}),
			adapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swaprelay",
				Subsystem: "adapter",
				Name:      "errors_total",
				Help:      "Adapter failures segmented by ledger, operation, and code.",
			}, []string{"ledger", "op", "code"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swaprelay",
				Subsystem: "engine",
				Name:      "retries_total",
				Help:      "Backed-off retries of on-chain submits, segmented by ledger and operation.",
			}, []string{"ledger", "op"}),
			reorgRewinds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swaprelay",
				Subsystem: "ingest",
				Name:      "reorg_rewinds_total",
				Help:      "Cursor rewinds caused by reorgs below finality.",
			}, []string{"ledger"}),
			incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swaprelay",
				Subsystem: "engine",
				Name:      "incidents_total",
				Help:      "Operator-facing incidents segmented by reason.",
			}, []string{"reason"}),
			ambiguous: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swaprelay",
				Subsystem: "correlate",
				Name:      "ambiguous_pairings_total",
				Help:      "Digests observed on more than one candidate pairing.",
			}),
			cursorLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "swaprelay",
				Subsystem: "ingest",
				Name:      "cursor_lag_blocks",
				Help:      "Distance between the chain head and the durable cursor.",
			}, []string{"ledger"}),
			swapPhases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "swaprelay",
				Subsystem: "engine",
				Name:      "swaps",
				Help:      "Swap population by phase.",
			}, []string{"phase"}),
			actionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swaprelay",
				Subsystem: "adapter",
				Name:      "action_duration_seconds",
				Help:      "Latency distribution of on-chain submits.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			}, []string{"ledger", "op"}),
		}
		prometheus.MustRegister(
			coordinatorReg.eventsIngested,
			coordinatorReg.adapterErrors,
			coordinatorReg.retries,
			coordinatorReg.reorgRewinds,
			coordinatorReg.incidents,
			coordinatorReg.ambiguous,
			coordinatorReg.cursorLag,
			coordinatorReg.swapPhases,
			coordinatorReg.actionLatency,
		)
	})
	return coordinatorReg
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(strings.ToLower(v))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// ObserveEvent counts one ingested escrow event.
func (m *CoordinatorMetrics) ObserveEvent(ledger, kind string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(normalizeLabel(ledger), normalizeLabel(kind)).Inc()
}

// ObserveAdapterError counts one adapter failure.
func (m *CoordinatorMetrics) ObserveAdapterError(ledger, op, code string) {
	if m == nil {
		return
	}
	m.adapterErrors.WithLabelValues(normalizeLabel(ledger), normalizeLabel(op), normalizeLabel(code)).Inc()
}

// ObserveRetry counts one backed-off retry.
func (m *CoordinatorMetrics) ObserveRetry(ledger, op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(ledger), normalizeLabel(op)).Inc()
}

// ObserveReorgRewind counts one cursor rewind.
func (m *CoordinatorMetrics) ObserveReorgRewind(ledger string) {
	if m == nil {
		return
	}
	m.reorgRewinds.WithLabelValues(normalizeLabel(ledger)).Inc()
}

// ObserveIncident counts one operator-facing incident.
func (m *CoordinatorMetrics) ObserveIncident(reason string) {
	if m == nil {
		return
	}
	m.incidents.WithLabelValues(normalizeLabel(reason)).Inc()
}

// ObserveAmbiguousPairing counts one digest excluded from automation.
func (m *CoordinatorMetrics) ObserveAmbiguousPairing() {
	if m == nil {
		return
	}
	m.ambiguous.Inc()
}

// SetCursorLag records the ledger's head-to-cursor distance.
func (m *CoordinatorMetrics) SetCursorLag(ledger string, blocks float64) {
	if m == nil {
		return
	}
	m.cursorLag.WithLabelValues(normalizeLabel(ledger)).Set(blocks)
}

// SetPhaseCount records the swap population in a phase.
func (m *CoordinatorMetrics) SetPhaseCount(phase string, count float64) {
	if m == nil {
		return
	}
	m.swapPhases.WithLabelValues(normalizeLabel(phase)).Set(count)
}

// ObserveAction records the latency of an on-chain submit.
func (m *CoordinatorMetrics) ObserveAction(ledger, op string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.actionLatency.WithLabelValues(normalizeLabel(ledger), normalizeLabel(op)).Observe(elapsed.Seconds())
}
