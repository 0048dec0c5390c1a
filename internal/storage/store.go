package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"logsentry/internal/baseline"
	"logsentry/internal/config"
	"logsentry/internal/isolation"
	"logsentry/internal/model"
)

// ErrPersistence wraps every failure to write durable state.
var ErrPersistence = errors.New("persistence failure")

// Store persists baselines and models per source identity, plus optional run history.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveBaseline(ctx context.Context, sourceID string, b *baseline.Baseline) error
	// LoadBaseline returns baseline.ErrMissingBaseline when nothing was saved for sourceID.
	LoadBaseline(ctx context.Context, sourceID string) (*baseline.Baseline, error)
	SaveModel(ctx context.Context, sourceID string, f *isolation.Forest) error
	// LoadModel returns isolation.ErrModelUnavailable when nothing usable was saved.
	LoadModel(ctx context.Context, sourceID string) (*isolation.Forest, error)
	DeleteModel(ctx context.Context, sourceID string) error
	SaveRun(ctx context.Context, summary model.RunSummary, anomalies []model.Anomaly) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "file":
		return NewFileStore(cfg.DSN)
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSourceID rejects identities that are unsafe as file names or keys.
func ValidateSourceID(id string) error {
	if !sourceIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid source id %q", id)
	}
	return nil
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// baseStore holds the SQL shared by the sqlite and postgres stores.
// Queries use ? placeholders; rebind converts them for drivers that need $n.
type baseStore struct {
	db       *sql.DB
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) rebind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := b.db.ExecContext(ctx, b.rebind(query), args...)
	return err
}

func (b *baseStore) SaveBaseline(ctx context.Context, sourceID string, bl *baseline.Baseline) error {
	if err := ValidateSourceID(sourceID); err != nil {
		return persistErr("save baseline", err)
	}
	data, err := bl.MarshalJSON()
	if err != nil {
		return persistErr("encode baseline", err)
	}
	err = b.exec(ctx,
		`INSERT INTO baselines (source_id, updated_at, templates, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET updated_at = excluded.updated_at, templates = excluded.templates, data = excluded.data`,
		sourceID, nowUTC(), bl.Len(), string(data),
	)
	if err != nil {
		return persistErr("save baseline", err)
	}
	return nil
}

func (b *baseStore) LoadBaseline(ctx context.Context, sourceID string) (*baseline.Baseline, error) {
	var data string
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT data FROM baselines WHERE source_id = ?`), sourceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: source %q", baseline.ErrMissingBaseline, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	return baseline.Unmarshal([]byte(data))
}

func (b *baseStore) SaveModel(ctx context.Context, sourceID string, f *isolation.Forest) error {
	if err := ValidateSourceID(sourceID); err != nil {
		return persistErr("save model", err)
	}
	data, err := f.MarshalJSON()
	if err != nil {
		return persistErr("encode model", err)
	}
	err = b.exec(ctx,
		`INSERT INTO models (source_id, updated_at, format_version, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET updated_at = excluded.updated_at, format_version = excluded.format_version, data = excluded.data`,
		sourceID, nowUTC(), isolation.FormatVersion, string(data),
	)
	if err != nil {
		return persistErr("save model", err)
	}
	return nil
}

func (b *baseStore) LoadModel(ctx context.Context, sourceID string) (*isolation.Forest, error) {
	var data string
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT data FROM models WHERE source_id = ?`), sourceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no model for source %q", isolation.ErrModelUnavailable, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return isolation.Unmarshal([]byte(data))
}

func (b *baseStore) DeleteModel(ctx context.Context, sourceID string) error {
	if err := b.exec(ctx, `DELETE FROM models WHERE source_id = ?`, sourceID); err != nil {
		return persistErr("delete model", err)
	}
	return nil
}

func (b *baseStore) SaveRun(ctx context.Context, summary model.RunSummary, anomalies []model.Anomaly) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("save run", err)
	}
	_, err = tx.ExecContext(ctx, b.rebind(
		`INSERT INTO runs (run_id, source_id, mode, state, processed, skipped, anomalies, degraded, events_json, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		summary.RunID,
		summary.SourceID,
		string(summary.Mode),
		summary.State,
		summary.Processed,
		summary.Skipped,
		summary.Anomalies,
		summary.Degraded,
		encodeJSON(summary.Events),
		summary.Error,
		summary.StartedAt.UTC(),
		summary.FinishedAt.UTC(),
	)
	if err != nil {
		_ = tx.Rollback()
		return persistErr("save run", err)
	}
	if len(anomalies) > 0 {
		stmt, err := tx.PrepareContext(ctx, b.rebind(
			`INSERT INTO anomalies (run_id, ordinal, template, anomaly_type, severity, fired_by_json, payload_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			_ = tx.Rollback()
			return persistErr("save anomalies", err)
		}
		defer stmt.Close()
		for i, a := range anomalies {
			payload, err := json.Marshal(a)
			if err != nil {
				_ = tx.Rollback()
				return persistErr("encode anomaly", err)
			}
			if _, err := stmt.ExecContext(ctx,
				summary.RunID,
				i+1,
				a.Template,
				string(a.Type),
				string(a.Severity),
				encodeJSON(a.FiredBy),
				string(payload),
			); err != nil {
				_ = tx.Rollback()
				return persistErr("save anomalies", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return persistErr("save run", err)
	}
	return nil
}

func (b *baseStore) initSchema(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return persistErr("init schema", err)
		}
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
