package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"logsentry/internal/baseline"
	"logsentry/internal/model"
)

// Observer receives per-record outcomes of a scan. Implementations must be cheap.
type Observer interface {
	RecordScanned()
	AnomalyDetected(a model.Anomaly)
}

type Engine struct {
	detector   *Detector
	windowSize int
	logger     *slog.Logger
	observer   Observer
}

func NewEngine(detector *Detector, windowSize int, logger *slog.Logger, observer Observer) *Engine {
	return &Engine{detector: detector, windowSize: windowSize, logger: logger, observer: observer}
}

type ScanResult struct {
	Anomalies []model.Anomaly
	Scanned   int
	// Dropped counts anomalies discarded on cancellation because their window was incomplete.
	Dropped int
}

// Scan is pass two. It must only be called once the session grouping is complete.
// On a stream error the anomalies found so far are returned with the error;
// on cancellation anomalies with an incomplete window are dropped.
func (e *Engine) Scan(ctx context.Context, src baseline.RecordSource, sessions *SessionIndex) (ScanResult, error) {
	asm := NewAssembler(sessions, e.windowSize)
	var res ScanResult
	for {
		if err := ctx.Err(); err != nil {
			return e.abort(asm, res, err)
		}
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			res.Anomalies = append(res.Anomalies, asm.Finish()...)
			return res, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return e.abort(asm, res, err)
			}
			res.Anomalies = append(res.Anomalies, asm.Finish()...)
			return res, err
		}
		res.Scanned++
		if e.observer != nil {
			e.observer.RecordScanned()
		}

		anomaly, flagged := e.detector.Evaluate(rec)
		var ready []model.Anomaly
		if flagged {
			if e.observer != nil {
				e.observer.AnomalyDetected(anomaly)
			}
			if e.logger != nil {
				e.logger.Debug("anomaly flagged",
					"seq", rec.Seq,
					"template", anomaly.Template,
					"type", anomaly.Type,
					"fired_by", anomaly.FiredBy,
				)
			}
			ready = asm.Observe(rec, &anomaly)
		} else {
			ready = asm.Observe(rec, nil)
		}
		res.Anomalies = append(res.Anomalies, ready...)
	}
}

func (e *Engine) abort(asm *Assembler, res ScanResult, err error) (ScanResult, error) {
	before := asm.Pending()
	kept := asm.Abort()
	res.Anomalies = append(res.Anomalies, kept...)
	res.Dropped = before - len(kept)
	if e.logger != nil && res.Dropped > 0 {
		e.logger.Warn("scan cancelled, dropping anomalies with incomplete context", "dropped", res.Dropped)
	}
	return res, err
}
