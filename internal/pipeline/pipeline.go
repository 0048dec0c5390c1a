package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"logsentry/internal/anomalies"
	"logsentry/internal/baseline"
	"logsentry/internal/config"
	"logsentry/internal/engine"
	"logsentry/internal/ingest"
	"logsentry/internal/isolation"
	"logsentry/internal/metrics"
	"logsentry/internal/model"
	"logsentry/internal/storage"
)

// Deps are the collaborators a Pipeline uses. Only Extractor is required;
// without a Store baselines and models live in memory only.
type Deps struct {
	Store     storage.Store
	Extractor baseline.Templater
	Metrics   *metrics.Collector
	Recent    *anomalies.Store
	Logger    *slog.Logger
}

type Result struct {
	Summary   model.RunSummary `json:"summary"`
	Anomalies []model.Anomaly  `json:"anomalies"`
}

// Pipeline drives one train/detect lifecycle for a source.
type Pipeline struct {
	cfg  config.Config
	deps Deps

	mu       sync.Mutex
	state    State
	sourceID string
	baseline *baseline.Baseline
	model    *isolation.Forest
	// modelErr explains why model is nil
	modelErr error
	last     model.RunSummary
}

func New(cfg config.Config, deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, deps: deps, state: StateUninitialized}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastSummary returns the summary of the most recent operation.
func (p *Pipeline) LastSummary() model.RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Pipeline) transition(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !canTransition(p.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.state, to)
	}
	p.state = to
	return nil
}

type run struct {
	op      string
	summary model.RunSummary
	start   time.Time
}

func (p *Pipeline) newRun(op string, mode model.Mode, sourceID string) *run {
	start := time.Now().UTC()
	return &run{
		op:    op,
		start: start,
		summary: model.RunSummary{
			RunID:     uuid.NewString(),
			Mode:      mode,
			SourceID:  sourceID,
			StartedAt: start,
		},
	}
}

func (r *run) event(kind, detail string) {
	r.summary.Events = append(r.summary.Events, event(kind, detail))
}

// Train builds a baseline from open's records, fits the isolation model and persists both.
// A model that cannot be fitted is recorded as an event; a persistence failure fails the run.
func (p *Pipeline) Train(ctx context.Context, sourceID string, open ingest.Opener) (Result, error) {
	r := p.newRun("train", model.ModeTrain, sourceID)
	if err := storage.ValidateSourceID(sourceID); err != nil {
		return p.fail(r, nil, err)
	}
	if err := p.transition(StateTraining); err != nil {
		return Result{}, &RunError{Op: r.op, State: p.State(), Summary: r.summary, Err: err}
	}
	logger := p.deps.Logger.With("run_id", r.summary.RunID, "source", sourceID, "mode", model.ModeTrain)
	logger.Info("training started")

	src, err := open(ctx)
	if err != nil {
		return p.fail(r, nil, err)
	}
	bl, n, err := baseline.Build(ctx, src, p.deps.Extractor, baseline.Options{
		MinSamples:       p.cfg.Baseline.MinSamples,
		QuantileAccuracy: p.cfg.Baseline.QuantileAccuracy,
	})
	stats := src.Stats()
	_ = ingest.Close(src)
	r.summary.Processed = n
	r.summary.Skipped = stats.Skipped
	r.summary.Templates = bl.Len()
	p.deps.Metrics.RecordsSkipped(stats.Skipped)
	if stats.Skipped > 0 {
		r.event(EventRecordsSkipped, fmt.Sprintf("%d malformed records", stats.Skipped))
		logger.Warn("malformed records skipped", "count", stats.Skipped)
	}
	if err != nil {
		// a baseline from a truncated corpus is never persisted
		return p.fail(r, nil, err)
	}

	forest, modelErr := p.trainModel(bl)
	if modelErr != nil {
		if !errors.Is(modelErr, isolation.ErrModelUnavailable) {
			return p.fail(r, nil, modelErr)
		}
		r.event(EventModelUnavailable, modelErr.Error())
		logger.Warn("isolation model unavailable, detection will use the statistical detector only", "error", modelErr)
	} else if forest == nil {
		r.event(EventIsolationDisabled, "")
	}

	if store := p.deps.Store; store != nil {
		// a model from an older baseline must never sit beside the new one
		if err := store.DeleteModel(ctx, sourceID); err != nil {
			return p.fail(r, nil, err)
		}
		if err := store.SaveBaseline(ctx, sourceID, bl); err != nil {
			return p.fail(r, nil, err)
		}
		if forest != nil {
			if err := store.SaveModel(ctx, sourceID, forest); err != nil {
				return p.fail(r, nil, err)
			}
		}
	}

	p.mu.Lock()
	p.sourceID = sourceID
	p.baseline = bl
	p.model = forest
	p.modelErr = modelErr
	p.mu.Unlock()
	if err := p.transition(StateReady); err != nil {
		return p.fail(r, nil, err)
	}
	return p.finish(r, StateReady, nil, logger), nil
}

// trainModel returns (nil, nil) when the isolation detector is disabled.
func (p *Pipeline) trainModel(bl *baseline.Baseline) (*isolation.Forest, error) {
	iso := p.cfg.Detection.Isolation
	if !iso.Enabled {
		return nil, nil
	}
	_, features := bl.Features()
	return isolation.Train(features, isolation.Params{
		Trees:         iso.Trees,
		SampleSize:    iso.SampleSize,
		Contamination: iso.Contamination,
		MinTemplates:  iso.MinTemplates,
		Seed:          iso.Seed,
	})
}

// Load reads the persisted baseline and model for sourceID and moves to READY.
// A missing model is not an error; the following detection runs degraded.
func (p *Pipeline) Load(ctx context.Context, sourceID string) error {
	if p.deps.Store == nil {
		return fmt.Errorf("%w: no store configured", baseline.ErrMissingBaseline)
	}
	bl, err := p.deps.Store.LoadBaseline(ctx, sourceID)
	if err != nil {
		return err
	}
	var forest *isolation.Forest
	var modelErr error
	if p.cfg.Detection.Isolation.Enabled {
		forest, modelErr = p.deps.Store.LoadModel(ctx, sourceID)
		if modelErr != nil && !errors.Is(modelErr, isolation.ErrModelUnavailable) {
			modelErr = fmt.Errorf("%w: %v", isolation.ErrModelUnavailable, modelErr)
		}
	}
	if err := p.transition(StateReady); err != nil {
		return err
	}
	p.mu.Lock()
	p.sourceID = sourceID
	p.baseline = bl
	p.model = forest
	p.modelErr = modelErr
	p.mu.Unlock()
	return nil
}

// Detect scans open's records twice: once to group sessions, once to detect.
// Without a trained or loaded baseline it loads the persisted one first.
func (p *Pipeline) Detect(ctx context.Context, sourceID string, open ingest.Opener) (Result, error) {
	r := p.newRun("detect", model.ModeDetect, sourceID)
	if p.State() == StateUninitialized {
		if err := p.Load(ctx, sourceID); err != nil {
			return p.fail(r, nil, err)
		}
	}
	p.mu.Lock()
	loadedFor := p.sourceID
	bl, forest, modelErr := p.baseline, p.model, p.modelErr
	p.mu.Unlock()
	if loadedFor != sourceID {
		return p.fail(r, nil, fmt.Errorf("%w: pipeline holds the baseline of %q", baseline.ErrMissingBaseline, loadedFor))
	}
	if err := p.transition(StateDetecting); err != nil {
		return Result{}, &RunError{Op: r.op, State: p.State(), Summary: r.summary, Err: err}
	}
	logger := p.deps.Logger.With("run_id", r.summary.RunID, "source", sourceID, "mode", model.ModeDetect)

	if forest == nil {
		r.summary.Degraded = true
		p.deps.Metrics.DegradedRun()
		if p.cfg.Detection.Isolation.Enabled {
			if modelErr == nil {
				modelErr = isolation.ErrModelUnavailable
			}
			r.event(EventModelUnavailable, modelErr.Error())
			logger.Warn("isolation model unavailable, using the statistical detector only", "error", modelErr)
		} else {
			r.event(EventIsolationDisabled, "")
		}
	}

	detector, err := engine.NewDetector(engine.DetectorContext{
		Baseline:   bl,
		Model:      forest,
		Extractor:  p.deps.Extractor,
		Thresholds: engine.ThresholdsFromConfig(p.cfg.Detection),
	})
	if err != nil {
		return p.fail(r, nil, err)
	}
	logger.Info("detection started", "templates", bl.Len(), "degraded", detector.Degraded())

	// pass one
	src, err := open(ctx)
	if err != nil {
		return p.fail(r, nil, err)
	}
	sessions, grouped, groupErr := engine.BuildSessions(ctx, src, p.cfg.Context.MaxSessionRecords)
	// reported as processed unless pass two gets to run
	r.summary.Processed = grouped
	r.summary.Skipped = src.Stats().Skipped
	_ = ingest.Close(src)
	if groupErr != nil && !errors.Is(groupErr, ingest.ErrSourceCorrupt) {
		return p.fail(r, nil, groupErr)
	}
	r.summary.Sessions = sessions.Len()
	if n := sessions.Overflowed(); n > 0 {
		r.event(EventSessionOverflow, fmt.Sprintf("%d sessions exceeded %d records and use window context", n, p.cfg.Context.MaxSessionRecords))
		logger.Warn("sessions exceeded record cap", "sessions", n, "max_records", p.cfg.Context.MaxSessionRecords)
	}

	// pass two
	src, err = open(ctx)
	if err != nil {
		return p.fail(r, nil, err)
	}
	var observer engine.Observer
	if p.deps.Metrics != nil {
		observer = p.deps.Metrics
	}
	eng := engine.NewEngine(detector, p.cfg.Context.WindowSize, logger, observer)
	res, scanErr := eng.Scan(ctx, src, sessions)
	stats := src.Stats()
	_ = ingest.Close(src)

	r.summary.Processed = res.Scanned
	r.summary.Skipped = stats.Skipped
	r.summary.Anomalies = len(res.Anomalies)
	p.deps.Metrics.RecordsSkipped(stats.Skipped)
	if stats.Skipped > 0 {
		r.event(EventRecordsSkipped, fmt.Sprintf("%d malformed records", stats.Skipped))
		logger.Warn("malformed records skipped", "count", stats.Skipped)
	}
	if res.Dropped > 0 {
		logger.Warn("anomalies dropped with incomplete context", "dropped", res.Dropped)
	}
	if scanErr == nil {
		scanErr = groupErr
	}
	if p.deps.Recent != nil && len(res.Anomalies) > 0 {
		p.deps.Recent.AddRun(r.summary.RunID, sourceID, time.Now().UTC(), res.Anomalies)
	}
	if scanErr != nil {
		return p.fail(r, res.Anomalies, scanErr)
	}
	if err := p.transition(StateDone); err != nil {
		return p.fail(r, res.Anomalies, err)
	}
	return p.finish(r, StateDone, res.Anomalies, logger), nil
}

// Run detects against the persisted baseline, training from trainOpen first when none exists.
func (p *Pipeline) Run(ctx context.Context, sourceID string, trainOpen, detectOpen ingest.Opener) (Result, error) {
	if p.State() == StateUninitialized {
		err := p.Load(ctx, sourceID)
		switch {
		case err == nil:
		case errors.Is(err, baseline.ErrMissingBaseline) && trainOpen != nil:
			p.deps.Logger.Info("no persisted baseline, training first", "source", sourceID)
			if res, err := p.Train(ctx, sourceID, trainOpen); err != nil {
				return res, err
			}
		default:
			r := p.newRun("run", model.ModeDetect, sourceID)
			return p.fail(r, nil, err)
		}
	}
	return p.Detect(ctx, sourceID, detectOpen)
}

func (p *Pipeline) finish(r *run, state State, list []model.Anomaly, logger *slog.Logger) Result {
	r.summary.State = string(state)
	r.summary.FinishedAt = time.Now().UTC()
	p.deps.Metrics.ObserveRun(r.summary.Mode, metrics.OutcomeSuccess, r.summary.FinishedAt.Sub(r.start))
	p.saveRun(r, list, logger)
	logger.Info("run finished",
		"state", r.summary.State,
		"processed", r.summary.Processed,
		"skipped", r.summary.Skipped,
		"anomalies", r.summary.Anomalies,
		"degraded", r.summary.Degraded,
	)
	p.mu.Lock()
	p.last = r.summary
	p.mu.Unlock()
	if list == nil {
		list = []model.Anomaly{}
	}
	return Result{Summary: r.summary, Anomalies: list}
}

func (p *Pipeline) fail(r *run, list []model.Anomaly, err error) (Result, error) {
	p.mu.Lock()
	if p.state != StateFailed {
		p.state = StateFailed
	}
	p.mu.Unlock()
	r.summary.State = string(StateFailed)
	r.summary.Error = err.Error()
	r.summary.FinishedAt = time.Now().UTC()
	if r.summary.Anomalies == 0 {
		r.summary.Anomalies = len(list)
	}
	p.deps.Metrics.ObserveRun(r.summary.Mode, metrics.OutcomeError, r.summary.FinishedAt.Sub(r.start))
	logger := p.deps.Logger.With("run_id", r.summary.RunID, "source", r.summary.SourceID, "mode", r.summary.Mode)
	logger.Error("run failed",
		"op", r.op,
		"processed", r.summary.Processed,
		"anomalies", r.summary.Anomalies,
		"error", err,
	)
	if storage.ValidateSourceID(r.summary.SourceID) == nil {
		p.saveRun(r, list, logger)
	}
	p.mu.Lock()
	p.last = r.summary
	p.mu.Unlock()
	return Result{Summary: r.summary, Anomalies: list}, &RunError{
		Op:        r.op,
		State:     StateFailed,
		Summary:   r.summary,
		Anomalies: list,
		Err:       err,
	}
}

// saveRun stores run history when enabled. History is best effort and never fails a run.
func (p *Pipeline) saveRun(r *run, list []model.Anomaly, logger *slog.Logger) {
	if p.deps.Store == nil || !p.cfg.Storage.SaveRuns {
		return
	}
	// detached so a cancelled run is still recorded
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.deps.Store.SaveRun(ctx, r.summary, list); err != nil {
		r.event(EventRunNotSaved, err.Error())
		logger.Warn("run history not saved", "error", err)
	}
}
