package tune

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks tuning progress on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	trials          *prometheus.CounterVec
	failures        *prometheus.CounterVec
	trialDuration   prometheus.Histogram
	bestCER         *prometheus.GaugeVec
	ordersCompleted prometheus.Counter
}

// NewMetrics registers the tuning metrics on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latgen",
			Name:      "trials_total",
			Help:      "Objective evaluations, by model order and whether the decoder ran.",
		}, []string{"order", "source"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latgen",
			Name:      "trial_failures_total",
			Help:      "Trials where decoding or scoring failed.",
		}, []string{"order"}),
		trialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "latgen",
			Name:      "trial_duration_seconds",
			Help:      "Wall time of one decode and score trial.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		bestCER: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "latgen",
			Name:      "best_cer",
			Help:      "Lowest character error rate seen so far, by model order.",
		}, []string{"order"}),
		ordersCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latgen",
			Name:      "orders_completed_total",
			Help:      "Model orders whose search finished and wrote a marker file.",
		}),
	}
	m.Registry.MustRegister(m.trials, m.failures, m.trialDuration, m.bestCER, m.ordersCompleted)
	return m
}

// WriteFile writes the current values in the Prometheus text format, for
// node_exporter's textfile collector.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}

func (m *Metrics) observeTrial(order int, source string, d time.Duration) {
	if m == nil {
		return
	}
	m.trials.WithLabelValues(strconv.Itoa(order), source).Inc()
	if source == "decoded" {
		m.trialDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) trialFailed(order int) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(strconv.Itoa(order)).Inc()
}

func (m *Metrics) setBest(order int, cer float64) {
	if m == nil {
		return
	}
	m.bestCER.WithLabelValues(strconv.Itoa(order)).Set(cer)
}

func (m *Metrics) orderCompleted() {
	if m == nil {
		return
	}
	m.ordersCompleted.Inc()
}
