package engine

import (
	"errors"
	"math"

	"logsentry/internal/baseline"
	"logsentry/internal/config"
	"logsentry/internal/isolation"
	"logsentry/internal/model"
)

type Thresholds struct {
	ZThreshold    float64
	HighSeverityZ float64
	// HighIsolationScore marks isolation-only anomalies HIGH when the score exceeds it.
	HighIsolationScore float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{ZThreshold: 3.0, HighSeverityZ: 5.0, HighIsolationScore: 0.5}
}

func ThresholdsFromConfig(cfg config.DetectionConfig) Thresholds {
	t := DefaultThresholds()
	if cfg.ZThreshold > 0 {
		t.ZThreshold = cfg.ZThreshold
	}
	if cfg.HighSeverityZ > 0 {
		t.HighSeverityZ = cfg.HighSeverityZ
	}
	if cfg.Isolation.HighScore > 0 {
		t.HighIsolationScore = cfg.Isolation.HighScore
	}
	return t
}

// DetectorContext carries everything a Detector reads. None of it is modified during detection.
type DetectorContext struct {
	Baseline   *baseline.Baseline
	Model      *isolation.Forest
	Extractor  baseline.Templater
	Thresholds Thresholds
}

type isoVerdict struct {
	score   float64
	outlier bool
}

// Detector runs the statistical and isolation detectors and merges their verdicts.
type Detector struct {
	dc      DetectorContext
	verdict map[string]isoVerdict
}

func NewDetector(dc DetectorContext) (*Detector, error) {
	if dc.Baseline == nil {
		return nil, baseline.ErrMissingBaseline
	}
	if dc.Extractor == nil {
		return nil, errors.New("detector requires a template extractor")
	}
	if dc.Thresholds.ZThreshold <= 0 {
		dc.Thresholds = DefaultThresholds()
	}
	d := &Detector{dc: dc}
	if dc.Model != nil {
		// the feature vector depends only on the template, so score each once
		templates, features := dc.Baseline.Features()
		d.verdict = make(map[string]isoVerdict, len(templates))
		for i, t := range templates {
			score, out := dc.Model.Predict(features[i])
			d.verdict[t] = isoVerdict{score: score, outlier: out}
		}
	}
	return d, nil
}

// Degraded reports whether only the statistical detector is active.
func (d *Detector) Degraded() bool {
	return d.dc.Model == nil
}

func (d *Detector) Template(message string) string {
	return d.dc.Extractor.Extract(message)
}

// Evaluate scores one record. The returned anomaly has no context attached.
func (d *Detector) Evaluate(rec model.LogRecord) (model.Anomaly, bool) {
	template := d.dc.Extractor.Extract(rec.Message)
	stats, known := d.dc.Baseline.Lookup(template)
	a := model.Anomaly{
		Template:         template,
		Message:          rec.Message,
		Timestamp:        rec.RawTimestamp,
		Level:            rec.Level,
		Service:          rec.Service,
		ObservedDuration: rec.DurationMS,
	}
	if !known {
		a.FiredBy = []model.Detector{model.DetectorNewPattern}
		a.Type = model.TypeNewPattern
		a.Severity = model.SeverityMedium
		return a, true
	}
	a.ExpectedMean = stats.Mean
	a.ExpectedStd = stats.StdDev

	if z, ok := ZScore(rec.DurationMS, stats); ok && Exceeds(rec.DurationMS, stats, d.dc.Thresholds.ZThreshold) {
		zv := z
		a.ZScore = &zv
		a.FiredBy = append(a.FiredBy, model.DetectorZScore)
		a.Type = model.TypeDurationSpike
		if z < 0 {
			a.Type = model.TypeDurationDrop
		}
		a.Severity = model.SeverityMedium
		if Exceeds(rec.DurationMS, stats, d.dc.Thresholds.HighSeverityZ) {
			a.Severity = model.SeverityHigh
		}
	}

	if v, ok := d.verdict[template]; ok && v.outlier {
		score := v.score
		a.IsolationScore = &score
		a.FiredBy = append(a.FiredBy, model.DetectorIsolation)
		if a.Type == "" {
			a.Type = model.TypeIsolation
			a.Severity = model.SeverityMedium
		}
		if score > d.dc.Thresholds.HighIsolationScore {
			a.Severity = model.SeverityHigh
		}
	}
	return a, len(a.FiredBy) > 0
}

// ZScore is undefined for templates with fewer than two samples or no spread.
func ZScore(duration float64, stats model.TemplateStats) (float64, bool) {
	if !stats.HasSpread() || stats.StdDev <= 0 {
		return 0, false
	}
	return (duration - stats.Mean) / stats.StdDev, true
}

// Exceeds reports whether duration lies more than k standard deviations from
// the mean. It compares deviations rather than the rounded quotient, so a
// duration within k*std of the mean never counts.
func Exceeds(duration float64, stats model.TemplateStats, k float64) bool {
	if !stats.HasSpread() || stats.StdDev <= 0 {
		return false
	}
	return math.Abs(duration-stats.Mean) > k*stats.StdDev
}
