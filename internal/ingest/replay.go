package ingest

import (
	"context"
	"errors"
	"io"

	"logsentry/internal/model"
)

// Replay holds a fully read input so it can be opened more than once.
// It is used for inputs that cannot be re-read: stdin, request bodies, Kafka batches.
type Replay struct {
	records []model.LogRecord
	skipped int
	// err is the terminal stream error, replayed after the last record.
	err error
}

// Materialize drains src into memory. A corrupt stream keeps the records read
// before the failure and replays the error after them.
func Materialize(ctx context.Context, src Source) (*Replay, error) {
	r := &Replay{}
	for {
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrSourceCorrupt) {
			r.err = err
			break
		}
		if err != nil {
			return nil, err
		}
		r.records = append(r.records, rec)
	}
	r.skipped = src.Stats().Skipped
	return r, nil
}

// MaterializeReader reads r once with the JSON source.
func MaterializeReader(ctx context.Context, r io.Reader, opts Options) (*Replay, error) {
	src, err := NewJSONSource(r, opts)
	if err != nil {
		if errors.Is(err, ErrSourceCorrupt) {
			return &Replay{err: err}, nil
		}
		return nil, err
	}
	return Materialize(ctx, src)
}

// NewReplay wraps already decoded records.
func NewReplay(records []model.LogRecord) *Replay {
	out := make([]model.LogRecord, len(records))
	for i, rec := range records {
		rec.Seq = i + 1
		out[i] = rec
	}
	return &Replay{records: out}
}

func (r *Replay) Len() int {
	return len(r.records)
}

// Err returns the stream error captured while materializing, if any.
func (r *Replay) Err() error {
	return r.err
}

func (r *Replay) Opener() Opener {
	return func(ctx context.Context) (Source, error) {
		return &replaySource{replay: r}, nil
	}
}

type replaySource struct {
	replay *Replay
	pos    int
}

func (s *replaySource) Next(ctx context.Context) (model.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.LogRecord{}, err
	}
	if s.pos >= len(s.replay.records) {
		if s.replay.err != nil {
			return model.LogRecord{}, s.replay.err
		}
		return model.LogRecord{}, io.EOF
	}
	rec := s.replay.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *replaySource) Stats() Stats {
	return Stats{Produced: s.pos, Skipped: s.replay.skipped}
}
