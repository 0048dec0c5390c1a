package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"logsentry/internal/config"
	"logsentry/internal/model"
)

var (
	// ErrRecordMalformed marks a single unusable record. Sources skip and count these.
	ErrRecordMalformed = errors.New("malformed record")
	// ErrSourceCorrupt marks a structurally broken stream. Records produced before it stay valid.
	ErrSourceCorrupt = errors.New("source corrupt")
	// ErrStreamConsumed is returned by a StreamOpener asked for a second pass.
	ErrStreamConsumed = errors.New("stream already consumed")
)

// Source yields records in arrival order and returns io.EOF once exhausted.
type Source interface {
	Next(ctx context.Context) (model.LogRecord, error)
	Stats() Stats
}

type Stats struct {
	Produced int `json:"produced"`
	Skipped  int `json:"skipped"`
}

// Opener creates a fresh Source over the same input. Detection needs two passes.
type Opener func(ctx context.Context) (Source, error)

type Options struct {
	Fields       FieldMap
	MaxLineBytes int
	Location     *time.Location
	Logger       *slog.Logger
}

func OptionsFromConfig(cfg config.SourceConfig, logger *slog.Logger) Options {
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	return Options{
		Fields: FieldMap{
			Message:     cfg.MessageField,
			Duration:    cfg.DurationField,
			Correlation: cfg.CorrelationField,
		},
		MaxLineBytes: cfg.MaxLineBytes,
		Location:     loc,
		Logger:       logger,
	}
}

func (o Options) withDefaults() Options {
	o.Fields = o.Fields.withDefaults()
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = 1 << 20
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// FileOpener opens path afresh on every call.
func FileOpener(path string, opts Options) Opener {
	return func(ctx context.Context) (Source, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		src, err := NewJSONSource(f, opts)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		src.closer = f
		return src, nil
	}
}

// StreamOpener decodes r as it is read, without buffering records, and can be
// opened only once. Training makes a single pass and uses it for stdin.
func StreamOpener(r io.Reader, opts Options) Opener {
	var mu sync.Mutex
	used := false
	return func(ctx context.Context) (Source, error) {
		mu.Lock()
		defer mu.Unlock()
		if used {
			return nil, ErrStreamConsumed
		}
		used = true
		return NewJSONSource(r, opts)
	}
}

// Close releases the underlying input if the source owns it.
func Close(src Source) error {
	if c, ok := src.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
