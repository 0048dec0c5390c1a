package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"logsentry/internal/config"
	"logsentry/internal/model"
)

const maxConsecutiveReadErrors = 5

// KafkaBatch consumes a bounded batch from the configured topic and returns it
// as a replayable input. The batch ends at MaxRecords or once no message
// arrives within IdleTimeout.
func KafkaBatch(ctx context.Context, cfg config.KafkaConfig, opts Options, logger *slog.Logger) (*Replay, error) {
	if !cfg.Enabled {
		return nil, errors.New("kafka ingest disabled")
	}
	if logger != nil {
		logger.Info("kafka batch ingest", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID, "max_records", cfg.MaxRecords)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()
	return readBatch(ctx, reader, cfg, opts, logger)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func readBatch(ctx context.Context, reader messageReader, cfg config.KafkaConfig, opts Options, logger *slog.Logger) (*Replay, error) {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Second
	}
	var records []model.LogRecord
	skipped := 0
	failures := 0
	for cfg.MaxRecords <= 0 || len(records) < cfg.MaxRecords {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		m, err := reader.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			failures++
			if logger != nil {
				logger.Warn("kafka read error", "err", err, "attempt", failures)
			}
			if failures >= maxConsecutiveReadErrors {
				return nil, fmt.Errorf("kafka read: %w", err)
			}
			if !BackoffSleep(ctx, 200*time.Millisecond) {
				return nil, ctx.Err()
			}
			continue
		}
		failures = 0

		// a message may carry one object, several lines or an array
		src, err := NewJSONSource(bytes.NewReader(m.Value), opts)
		if err != nil {
			skipped++
			continue
		}
		for {
			rec, err := src.Next(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					skipped++
					if logger != nil {
						logger.Warn("kafka message corrupt", "partition", m.Partition, "offset", m.Offset, "err", err)
					}
				}
				break
			}
			records = append(records, rec)
		}
		skipped += src.Stats().Skipped
	}
	if cfg.MaxRecords > 0 && len(records) > cfg.MaxRecords {
		records = records[:cfg.MaxRecords]
	}
	replay := NewReplay(records)
	replay.skipped = skipped
	if logger != nil {
		logger.Info("kafka batch complete", "records", len(records), "skipped", skipped)
	}
	return replay, nil
}
