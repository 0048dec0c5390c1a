package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"logsentry/internal/model"
)

const (
	shapeArray = "array"
	shapeLines = "ndjson"
)

// JSONSource reads either one top-level JSON array of objects or newline
// delimited objects, chosen by the first non-whitespace byte. Only one record
// is decoded at a time.
type JSONSource struct {
	opts   Options
	shape  string
	br     *bufio.Reader
	dec    *json.Decoder
	lines  *bufio.Scanner
	closer io.Closer

	started bool
	done    bool
	err     error
	stats   Stats
	line    int
}

func NewJSONSource(r io.Reader, opts Options) (*JSONSource, error) {
	opts = opts.withDefaults()
	s := &JSONSource{opts: opts, br: bufio.NewReaderSize(r, 64*1024)}
	first, err := sniff(s.br)
	switch {
	case errors.Is(err, io.EOF):
		s.shape = shapeLines
		s.done = true
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrSourceCorrupt, err)
	}
	if first == '[' {
		s.shape = shapeArray
		s.dec = json.NewDecoder(s.br)
	} else {
		s.shape = shapeLines
		s.lines = bufio.NewScanner(s.br)
		initial := 64 * 1024
		if opts.MaxLineBytes < initial {
			initial = opts.MaxLineBytes
		}
		s.lines.Buffer(make([]byte, 0, initial), opts.MaxLineBytes)
	}
	return s, nil
}

// sniff skips leading whitespace and returns the next byte without consuming it.
func sniff(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

// Shape reports the detected wire shape: "array" or "ndjson".
func (s *JSONSource) Shape() string {
	return s.shape
}

func (s *JSONSource) Stats() Stats {
	return s.stats
}

func (s *JSONSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *JSONSource) Next(ctx context.Context) (model.LogRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.LogRecord{}, err
		}
		if s.err != nil {
			return model.LogRecord{}, s.err
		}
		if s.done {
			return model.LogRecord{}, io.EOF
		}
		var rec model.LogRecord
		var err error
		if s.shape == shapeArray {
			rec, err = s.nextElement()
		} else {
			rec, err = s.nextLine()
		}
		switch {
		case err == nil:
			s.stats.Produced++
			rec.Seq = s.stats.Produced
			return rec, nil
		case errors.Is(err, ErrRecordMalformed):
			s.stats.Skipped++
			if s.opts.Logger != nil {
				s.opts.Logger.Warn("skipping malformed record", "shape", s.shape, "skipped", s.stats.Skipped, "err", err)
			}
			continue
		case errors.Is(err, io.EOF):
			s.done = true
			return model.LogRecord{}, io.EOF
		default:
			s.err = err
			if s.opts.Logger != nil {
				s.opts.Logger.Error("record source corrupt", "shape", s.shape, "produced", s.stats.Produced, "err", err)
			}
			return model.LogRecord{}, err
		}
	}
}

func (s *JSONSource) nextElement() (model.LogRecord, error) {
	if !s.started {
		tok, err := s.dec.Token()
		if err != nil {
			return model.LogRecord{}, fmt.Errorf("%w: %v", ErrSourceCorrupt, err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return model.LogRecord{}, fmt.Errorf("%w: expected array, got %v", ErrSourceCorrupt, tok)
		}
		s.started = true
	}
	if !s.dec.More() {
		tok, err := s.dec.Token()
		if err != nil {
			return model.LogRecord{}, fmt.Errorf("%w: unterminated array: %v", ErrSourceCorrupt, err)
		}
		if d, ok := tok.(json.Delim); !ok || d != ']' {
			return model.LogRecord{}, fmt.Errorf("%w: unexpected token %v", ErrSourceCorrupt, tok)
		}
		return model.LogRecord{}, io.EOF
	}
	var raw json.RawMessage
	if err := s.dec.Decode(&raw); err != nil {
		return model.LogRecord{}, fmt.Errorf("%w: element %d: %v", ErrSourceCorrupt, s.stats.Produced+s.stats.Skipped+1, err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.LogRecord{}, fmt.Errorf("%w: element is not an object", ErrRecordMalformed)
	}
	return ParseJSONBytes(trimmed, s.opts.Fields, s.opts.Location)
}

func (s *JSONSource) nextLine() (model.LogRecord, error) {
	for s.lines.Scan() {
		s.line++
		line := bytes.TrimSpace(s.lines.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			return model.LogRecord{}, fmt.Errorf("%w: line %d is not an object", ErrRecordMalformed, s.line)
		}
		rec, err := ParseJSONBytes(line, s.opts.Fields, s.opts.Location)
		if err != nil {
			return model.LogRecord{}, fmt.Errorf("line %d: %w", s.line, err)
		}
		return rec, nil
	}
	if err := s.lines.Err(); err != nil {
		return model.LogRecord{}, fmt.Errorf("%w: line %d: %v", ErrSourceCorrupt, s.line+1, err)
	}
	return model.LogRecord{}, io.EOF
}
