package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"logsentry/internal/model"
)

// ErrMissingBaseline is returned when no baseline has been persisted for a source.
var ErrMissingBaseline = errors.New("baseline not found")

// Baseline maps templates to their learned statistics. It is never mutated after construction.
type Baseline struct {
	stats     map[string]model.TemplateStats
	templates []string
}

func New(stats map[string]model.TemplateStats) *Baseline {
	b := &Baseline{stats: make(map[string]model.TemplateStats, len(stats))}
	for t, s := range stats {
		b.stats[t] = s
		b.templates = append(b.templates, t)
	}
	sort.Strings(b.templates)
	return b
}

func (b *Baseline) Lookup(template string) (model.TemplateStats, bool) {
	if b == nil {
		return model.TemplateStats{}, false
	}
	s, ok := b.stats[template]
	return s, ok
}

// Templates returns the known templates in sorted order.
func (b *Baseline) Templates() []string {
	if b == nil {
		return nil
	}
	out := make([]string, len(b.templates))
	copy(out, b.templates)
	return out
}

func (b *Baseline) Len() int {
	if b == nil {
		return 0
	}
	return len(b.templates)
}

// Features returns one [mean, std_dev, p95, count] vector per template, aligned with Templates.
func (b *Baseline) Features() ([]string, [][]float64) {
	templates := b.Templates()
	features := make([][]float64, 0, len(templates))
	for _, t := range templates {
		features = append(features, FeatureVector(b.stats[t]))
	}
	return templates, features
}

func FeatureVector(s model.TemplateStats) []float64 {
	return []float64{s.Mean, s.StdDev, s.P95, float64(s.Count)}
}

// Encode writes the baseline as a JSON object keyed by template.
func (b *Baseline) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(b.stats)
}

func (b *Baseline) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.stats)
}

func Decode(r io.Reader) (*Baseline, error) {
	var stats map[string]model.TemplateStats
	if err := json.NewDecoder(r).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return New(stats), nil
}

func Unmarshal(data []byte) (*Baseline, error) {
	var stats map[string]model.TemplateStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return New(stats), nil
}

// RecordSource is the pull side of a record stream; io.EOF ends it.
type RecordSource interface {
	Next(ctx context.Context) (model.LogRecord, error)
}

type Templater interface {
	Extract(message string) string
}

type Options struct {
	MinSamples       int64
	QuantileAccuracy float64
}

// Builder groups records by template and folds their durations.
type Builder struct {
	opts      Options
	templater Templater
	accs      map[string]*Accumulator
	records   int
}

func NewBuilder(templater Templater, opts Options) *Builder {
	if opts.QuantileAccuracy <= 0 || opts.QuantileAccuracy >= 1 {
		opts.QuantileAccuracy = 0.01
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 1
	}
	return &Builder{opts: opts, templater: templater, accs: make(map[string]*Accumulator)}
}

func (b *Builder) Add(rec model.LogRecord) error {
	template := b.templater.Extract(rec.Message)
	acc, ok := b.accs[template]
	if !ok {
		var err error
		acc, err = NewAccumulator(b.opts.QuantileAccuracy)
		if err != nil {
			return err
		}
		b.accs[template] = acc
	}
	acc.Add(rec.DurationMS)
	b.records++
	return nil
}

func (b *Builder) Records() int {
	return b.records
}

// Finish freezes the accumulated statistics, dropping templates below MinSamples.
func (b *Builder) Finish() *Baseline {
	stats := make(map[string]model.TemplateStats, len(b.accs))
	for t, acc := range b.accs {
		if acc.Count() < b.opts.MinSamples {
			continue
		}
		stats[t] = acc.Stats()
	}
	return New(stats)
}

// Build makes a single pass over src. On a stream error the baseline of the
// records read so far is returned together with the error.
func Build(ctx context.Context, src RecordSource, templater Templater, opts Options) (*Baseline, int, error) {
	builder := NewBuilder(templater, opts)
	for {
		if err := ctx.Err(); err != nil {
			return builder.Finish(), builder.Records(), err
		}
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return builder.Finish(), builder.Records(), nil
		}
		if err != nil {
			return builder.Finish(), builder.Records(), err
		}
		if err := builder.Add(rec); err != nil {
			return builder.Finish(), builder.Records(), err
		}
	}
}
