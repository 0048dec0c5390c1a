package baseline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logsentry/internal/model"
	"logsentry/internal/normalize"
)

type sliceSource struct {
	records []model.LogRecord
	pos     int
	failAt  int
}

func (s *sliceSource) Next(ctx context.Context) (model.LogRecord, error) {
	if s.failAt > 0 && s.pos == s.failAt {
		return model.LogRecord{}, errors.New("broken stream")
	}
	if s.pos >= len(s.records) {
		return model.LogRecord{}, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func records(msgs []string, durations []float64) []model.LogRecord {
	out := make([]model.LogRecord, len(msgs))
	for i := range msgs {
		out[i] = model.LogRecord{Seq: i + 1, Message: msgs[i], DurationMS: durations[i]}
	}
	return out
}

func TestAccumulatorPopulationStats(t *testing.T) {
	acc, err := NewAccumulator(0.01)
	require.NoError(t, err)
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		acc.Add(v)
	}
	s := acc.Stats()
	assert.Equal(t, int64(8), s.Count)
	assert.InDelta(t, 5.0, s.Mean, 1e-12)
	assert.InDelta(t, 2.0, s.StdDev, 1e-12)
	// sketch quantiles are accurate to 1% relative error on an observed value
	assert.GreaterOrEqual(t, s.P95, 7*0.99)
	assert.LessOrEqual(t, s.P95, 9*1.01)
}

func TestAccumulatorSingleSampleHasNoSpread(t *testing.T) {
	acc, err := NewAccumulator(0.01)
	require.NoError(t, err)
	acc.Add(120)
	s := acc.Stats()
	assert.Equal(t, 0.0, s.StdDev)
	assert.False(t, s.HasSpread())
}

func TestBuildGroupsByTemplate(t *testing.T) {
	src := &sliceSource{records: records(
		[]string{"query took 10ms", "query took 20ms", "login user 7", "query took 30ms"},
		[]float64{10, 20, 5, 30},
	)}
	b, n, err := Build(context.Background(), src, normalize.NewDefaultExtractor(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 2, b.Len())

	q, ok := b.Lookup("query took {num}ms")
	require.True(t, ok)
	assert.Equal(t, int64(3), q.Count)
	assert.InDelta(t, 20.0, q.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(200.0/3.0), q.StdDev, 1e-12)
}

func TestBuildOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var msgs []string
	var durations []float64
	for i := 0; i < 400; i++ {
		msgs = append(msgs, []string{"cache miss for key 1", "db write 55ms", "render page 3"}[i%3])
		durations = append(durations, 50+rng.Float64()*100)
	}
	forward := records(msgs, durations)
	shuffled := make([]model.LogRecord, len(forward))
	copy(shuffled, forward)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	ex := normalize.NewDefaultExtractor()
	a, _, err := Build(context.Background(), &sliceSource{records: forward}, ex, Options{})
	require.NoError(t, err)
	b, _, err := Build(context.Background(), &sliceSource{records: shuffled}, ex, Options{})
	require.NoError(t, err)

	require.Equal(t, a.Templates(), b.Templates())
	for _, tmpl := range a.Templates() {
		sa, _ := a.Lookup(tmpl)
		sb, _ := b.Lookup(tmpl)
		assert.Equal(t, sa.Count, sb.Count)
		assert.InDelta(t, sa.Mean, sb.Mean, 1e-9)
		assert.InDelta(t, sa.StdDev, sb.StdDev, 1e-9)
		assert.Equal(t, sa.P95, sb.P95)
	}
}

func TestBuildMinSamplesDropsSparseTemplates(t *testing.T) {
	src := &sliceSource{records: records(
		[]string{"a 1", "a 2", "b"},
		[]float64{1, 2, 3},
	)}
	b, _, err := Build(context.Background(), src, normalize.NewDefaultExtractor(), Options{MinSamples: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a {num}"}, b.Templates())
}

func TestBuildReturnsPrefixOnStreamError(t *testing.T) {
	src := &sliceSource{records: records([]string{"x 1", "x 2", "x 3"}, []float64{1, 2, 3}), failAt: 2}
	b, n, err := Build(context.Background(), src, normalize.NewDefaultExtractor(), Options{})
	require.Error(t, err)
	assert.Equal(t, 2, n)
	s, ok := b.Lookup("x {num}")
	require.True(t, ok)
	assert.Equal(t, int64(2), s.Count)
}

func TestEncodeDecodeExactRoundTrip(t *testing.T) {
	stats := make(map[string]model.TemplateStats)
	stats["Database connection timeout after {num}ms"] = model.TemplateStats{Count: 500, Mean: 150.0, StdDev: 20.0, P95: 182.7}
	stats["odd floats"] = model.TemplateStats{Count: 3, Mean: 0.1 + 0.2, StdDev: math.Sqrt(2), P95: 1e-9}
	stats[model.EmptyTemplate] = model.TemplateStats{Count: 1}
	orig := New(stats)
	var buf bytes.Buffer
	require.NoError(t, orig.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, orig.Templates(), got.Templates())
	for _, tmpl := range orig.Templates() {
		a, _ := orig.Lookup(tmpl)
		b, _ := got.Lookup(tmpl)
		if a != b {
			t.Fatalf("round trip mismatch for %q: %+v vs %+v", tmpl, a, b)
		}
	}
}

func TestFeaturesAlignWithTemplates(t *testing.T) {
	b := New(map[string]model.TemplateStats{
		"b": {Count: 2, Mean: 3, StdDev: 1, P95: 4},
		"a": {Count: 5, Mean: 1, StdDev: 0.5, P95: 2},
	})
	templates, features := b.Features()
	assert.Equal(t, []string{"a", "b"}, templates)
	assert.Equal(t, []float64{1, 0.5, 2, 5}, features[0])
	assert.Equal(t, []float64{3, 1, 4, 2}, features[1])
}
