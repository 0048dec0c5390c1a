package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logsentry/internal/model"
)

func TestRegisterTwiceIsTolerated(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New()
	require.NoError(t, c.Register(reg))
	require.NoError(t, c.Register(reg))
}

// counterValue sums the samples of a counter family whose labels include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metric
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCountersTrackOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New()
	require.NoError(t, c.Register(reg))

	c.RecordScanned()
	c.RecordScanned()
	c.RecordsSkipped(3)
	c.RecordsSkipped(0)
	c.AnomalyDetected(model.Anomaly{FiredBy: []model.Detector{model.DetectorZScore, model.DetectorIsolation}})
	c.ObserveRun(model.ModeDetect, "weird", 150*time.Millisecond)
	c.ObserveRun(model.ModeTrain, OutcomeError, -time.Second)
	c.DegradedRun()

	assert.Equal(t, 2.0, counterValue(t, reg, "logsentry_records_total", map[string]string{"outcome": "scanned"}))
	assert.Equal(t, 3.0, counterValue(t, reg, "logsentry_records_total", map[string]string{"outcome": "skipped"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "logsentry_anomalies_total", map[string]string{"detector": "zscore"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "logsentry_anomalies_total", map[string]string{"detector": "isolation"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "logsentry_runs_total", map[string]string{"mode": "detect", "outcome": OutcomeSuccess}))
	assert.Equal(t, 1.0, counterValue(t, reg, "logsentry_runs_total", map[string]string{"mode": "train", "outcome": OutcomeError}))
	assert.Equal(t, 1.0, counterValue(t, reg, "logsentry_degraded_runs_total", nil))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordScanned()
	c.RecordsSkipped(2)
	c.AnomalyDetected(model.Anomaly{})
	c.ObserveRun(model.ModeDetect, OutcomeSuccess, time.Second)
	c.DegradedRun()
}
