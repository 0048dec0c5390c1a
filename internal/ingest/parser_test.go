package ingest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logsentry/internal/model"
)

func drain(t *testing.T, src Source) ([]model.LogRecord, error) {
	t.Helper()
	var out []model.LogRecord
	for {
		rec, err := src.Next(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
	}
}

func TestParseJSONArray(t *testing.T) {
	input := `  [
	  {"timestamp":"2024-01-15T10:30:00Z","level":"ERROR","service":"db","message":"timeout after 5200ms","duration_ms":5200,"correlation_id":"req-001","host":"a"},
	  {"message":"ok","duration_ms":"12.5"}
	]`
	src, err := NewJSONSource(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	if src.Shape() != "array" {
		t.Fatalf("shape: %s", src.Shape())
	}
	recs, err := drain(t, src)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records: %d", len(recs))
	}
	first := recs[0]
	if first.Seq != 1 || first.CorrelationID != "req-001" || first.Level != "ERROR" || first.Service != "db" {
		t.Fatalf("first record mismatch: %+v", first)
	}
	if first.Timestamp.IsZero() || first.RawTimestamp != "2024-01-15T10:30:00Z" {
		t.Fatalf("timestamp not parsed: %+v", first)
	}
	if first.Extra["host"] != "a" {
		t.Fatalf("extra fields lost: %+v", first.Extra)
	}
	if recs[1].DurationMS != 12.5 || recs[1].Seq != 2 {
		t.Fatalf("second record mismatch: %+v", recs[1])
	}
}

func TestParseNDJSONSkipsMalformed(t *testing.T) {
	input := strings.Join([]string{
		`{"message":"a 1","duration_ms":1}`,
		``,
		`{"message":"missing duration"}`,
		`not json at all`,
		`{"message":"neg","duration_ms":-4}`,
		`{"message":"bad","duration_ms":"slow"}`,
		`{"message":"a 2","duration_ms":2,"ts":1705314600}`,
	}, "\n")
	src, err := NewJSONSource(strings.NewReader(input), Options{})
	require.NoError(t, err)
	assert.Equal(t, "ndjson", src.Shape())

	recs, err := drain(t, src)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Seq)
	assert.Equal(t, 2, recs[1].Seq)
	assert.False(t, recs[1].Timestamp.IsZero())
	assert.Equal(t, Stats{Produced: 2, Skipped: 4}, src.Stats())
}

func TestArraySkipsNonObjectElements(t *testing.T) {
	src, err := NewJSONSource(strings.NewReader(`[{"message":"x","duration_ms":1}, 42, "s", {"message":"y","duration_ms":2}]`), Options{})
	require.NoError(t, err)
	recs, err := drain(t, src)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, 2, src.Stats().Skipped)
}

func TestTruncatedArrayIsCorrupt(t *testing.T) {
	input := `[{"message":"x","duration_ms":1},{"message":"y","duration_ms":2},{"message":"z","dur`
	src, err := NewJSONSource(strings.NewReader(input), Options{})
	require.NoError(t, err)
	recs, err := drain(t, src)
	assert.ErrorIs(t, err, ErrSourceCorrupt)
	assert.Len(t, recs, 2)

	// the error is sticky
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, ErrSourceCorrupt)
}

func TestOversizedLineIsCorrupt(t *testing.T) {
	input := `{"message":"x","duration_ms":1}` + "\n" + `{"message":"` + strings.Repeat("a", 300) + `","duration_ms":1}`
	src, err := NewJSONSource(strings.NewReader(input), Options{MaxLineBytes: 128})
	require.NoError(t, err)
	recs, err := drain(t, src)
	assert.ErrorIs(t, err, ErrSourceCorrupt)
	assert.Len(t, recs, 1)
}

func TestEmptyInput(t *testing.T) {
	src, err := NewJSONSource(strings.NewReader("  \n "), Options{})
	require.NoError(t, err)
	recs, err := drain(t, src)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCustomFieldMap(t *testing.T) {
	fields := FieldMap{Message: "msg", Duration: "latency", Correlation: "trace_id"}
	rec, err := ParseJSONBytes([]byte(`{"msg":"hello","latency":3,"trace_id":17,"severity":"warn"}`), fields, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Message)
	assert.Equal(t, 3.0, rec.DurationMS)
	assert.Equal(t, "17", rec.CorrelationID)
	assert.Equal(t, "warn", rec.Level)
	assert.Nil(t, rec.Extra)
}

func TestEmptyMessageIsKept(t *testing.T) {
	rec, err := ParseJSONBytes([]byte(`{"message":"","duration_ms":3}`), FieldMap{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", rec.Message)
}

func TestFileOpenerReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(`{"message":"a","duration_ms":1}`+"\n"+`{"message":"b","duration_ms":2}`+"\n"), 0o644))

	open := FileOpener(path, Options{})
	for i := 0; i < 2; i++ {
		src, err := open(context.Background())
		require.NoError(t, err)
		recs, err := drain(t, src)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
		require.NoError(t, Close(src))
	}
}

func TestMaterializeReplaysCorruption(t *testing.T) {
	replay, err := MaterializeReader(context.Background(), strings.NewReader(`[{"message":"a","duration_ms":1},`), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, replay.Len())
	assert.ErrorIs(t, replay.Err(), ErrSourceCorrupt)

	for i := 0; i < 2; i++ {
		src, err := replay.Opener()(context.Background())
		require.NoError(t, err)
		recs, err := drain(t, src)
		assert.ErrorIs(t, err, ErrSourceCorrupt)
		assert.Len(t, recs, 1)
	}
}

func TestNextHonoursCancellation(t *testing.T) {
	src, err := NewJSONSource(strings.NewReader(`{"message":"a","duration_ms":1}`), Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// lenReader reports how far the decoder has read into the input.
type lenReader struct {
	r    io.Reader
	read int
}

func (l *lenReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += n
	return n, err
}

func TestStreamOpenerDecodesLazilyAndOpensOnce(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 20000; i++ {
		sb.WriteString(`{"message":"tick","duration_ms":1}` + "\n")
	}
	in := &lenReader{r: strings.NewReader(sb.String())}
	open := StreamOpener(in, Options{})

	src, err := open(context.Background())
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	require.NoError(t, err)
	assert.Less(t, in.read, sb.Len()/2, "first record must not require reading the whole input")

	recs, err := drain(t, src)
	require.NoError(t, err)
	assert.Len(t, recs, 19999)

	_, err = open(context.Background())
	assert.ErrorIs(t, err, ErrStreamConsumed)
}
