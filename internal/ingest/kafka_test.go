package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logsentry/internal/config"
)

type fakeReader struct {
	messages [][]byte
	errs     []error
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return kafka.Message{}, err
	}
	if len(f.messages) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.messages[0]
	f.messages = f.messages[1:]
	return kafka.Message{Value: m}, nil
}

func TestReadBatchStopsWhenIdle(t *testing.T) {
	reader := &fakeReader{messages: [][]byte{
		[]byte(`{"message":"a","duration_ms":1}`),
		[]byte(`[{"message":"b","duration_ms":2},{"message":"c","duration_ms":3}]`),
		[]byte(`garbage`),
	}}
	cfg := config.KafkaConfig{Enabled: true, MaxRecords: 100, IdleTimeout: 20 * time.Millisecond}
	replay, err := readBatch(context.Background(), reader, cfg, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, replay.Len())

	src, err := replay.Opener()(context.Background())
	require.NoError(t, err)
	recs, err := drain(t, src)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, []int{recs[0].Seq, recs[1].Seq, recs[2].Seq})
	assert.Equal(t, 1, src.Stats().Skipped)
}

func TestReadBatchHonoursMaxRecords(t *testing.T) {
	reader := &fakeReader{messages: [][]byte{
		[]byte(`{"message":"a","duration_ms":1}`),
		[]byte(`{"message":"b","duration_ms":2}`),
		[]byte(`{"message":"c","duration_ms":3}`),
	}}
	cfg := config.KafkaConfig{Enabled: true, MaxRecords: 2, IdleTimeout: time.Second}
	replay, err := readBatch(context.Background(), reader, cfg, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, replay.Len())
}

func TestReadBatchGivesUpAfterRepeatedErrors(t *testing.T) {
	boom := errors.New("broker down")
	reader := &fakeReader{errs: []error{boom, boom, boom, boom, boom}}
	cfg := config.KafkaConfig{Enabled: true, MaxRecords: 10, IdleTimeout: time.Second}
	_, err := readBatch(context.Background(), reader, cfg, Options{}, nil)
	assert.ErrorIs(t, err, boom)
}
