package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"logsentry/internal/model"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Collector holds the engine's Prometheus collectors. A nil *Collector is a no-op.
type Collector struct {
	records     *prometheus.CounterVec
	anomalies   *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	degraded    prometheus.Counter
}

func New() *Collector {
	return &Collector{
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "logsentry",
				Name:      "records_total",
				Help:      "Log records handled, partitioned by outcome (scanned or skipped).",
			},
			[]string{"outcome"},
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "logsentry",
				Name:      "anomalies_total",
				Help:      "Anomalies flagged, partitioned by contributing detector.",
			},
			[]string{"detector"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "logsentry",
				Name:      "runs_total",
				Help:      "Pipeline runs, partitioned by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "logsentry",
				Name:      "run_seconds",
				Help:      "Pipeline run latency in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"mode"},
		),
		degraded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "logsentry",
				Name:      "degraded_runs_total",
				Help:      "Detection runs that proceeded without an isolation model.",
			},
		),
	}
}

// Register attaches the collectors to reg, tolerating repeated registration.
func (c *Collector) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.records,
		c.anomalies,
		c.runs,
		c.runDuration,
		c.degraded,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Collector) RecordScanned() {
	if c == nil {
		return
	}
	c.records.WithLabelValues("scanned").Inc()
}

func (c *Collector) RecordsSkipped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.records.WithLabelValues("skipped").Add(float64(n))
}

func (c *Collector) AnomalyDetected(a model.Anomaly) {
	if c == nil {
		return
	}
	for _, d := range a.FiredBy {
		c.anomalies.WithLabelValues(string(d)).Inc()
	}
}

func (c *Collector) ObserveRun(mode model.Mode, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	if duration < 0 {
		duration = 0
	}
	c.runs.WithLabelValues(string(mode), outcome).Inc()
	c.runDuration.WithLabelValues(string(mode)).Observe(duration.Seconds())
}

func (c *Collector) DegradedRun() {
	if c == nil {
		return
	}
	c.degraded.Inc()
}
