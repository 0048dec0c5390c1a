package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"logsentry/internal/baseline"
	"logsentry/internal/isolation"
	"logsentry/internal/model"
)

// FileStore keeps one directory per source:
//
//	<dir>/<source>/baseline.json
//	<dir>/<source>/model.json
//	<dir>/<source>/runs/<run_id>.json
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "data"
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Init(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return persistErr("init store", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) sourceDir(sourceID string) (string, error) {
	if err := ValidateSourceID(sourceID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, sourceID), nil
}

func (s *FileStore) SaveBaseline(ctx context.Context, sourceID string, b *baseline.Baseline) error {
	dir, err := s.sourceDir(sourceID)
	if err != nil {
		return persistErr("save baseline", err)
	}
	data, err := b.MarshalJSON()
	if err != nil {
		return persistErr("encode baseline", err)
	}
	if err := writeAtomic(filepath.Join(dir, "baseline.json"), data); err != nil {
		return persistErr("save baseline", err)
	}
	return nil
}

func (s *FileStore) LoadBaseline(ctx context.Context, sourceID string) (*baseline.Baseline, error) {
	dir, err := s.sourceDir(sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", baseline.ErrMissingBaseline, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "baseline.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: source %q", baseline.ErrMissingBaseline, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	return baseline.Unmarshal(data)
}

func (s *FileStore) SaveModel(ctx context.Context, sourceID string, f *isolation.Forest) error {
	dir, err := s.sourceDir(sourceID)
	if err != nil {
		return persistErr("save model", err)
	}
	data, err := f.MarshalJSON()
	if err != nil {
		return persistErr("encode model", err)
	}
	if err := writeAtomic(filepath.Join(dir, "model.json"), data); err != nil {
		return persistErr("save model", err)
	}
	return nil
}

func (s *FileStore) LoadModel(ctx context.Context, sourceID string) (*isolation.Forest, error) {
	dir, err := s.sourceDir(sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", isolation.ErrModelUnavailable, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "model.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no model for source %q", isolation.ErrModelUnavailable, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return isolation.Unmarshal(data)
}

func (s *FileStore) DeleteModel(ctx context.Context, sourceID string) error {
	dir, err := s.sourceDir(sourceID)
	if err != nil {
		return persistErr("delete model", err)
	}
	err = os.Remove(filepath.Join(dir, "model.json"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persistErr("delete model", err)
	}
	return nil
}

type runFile struct {
	Summary   model.RunSummary `json:"summary"`
	Anomalies []model.Anomaly  `json:"anomalies"`
}

func (s *FileStore) SaveRun(ctx context.Context, summary model.RunSummary, anomalies []model.Anomaly) error {
	dir, err := s.sourceDir(summary.SourceID)
	if err != nil {
		return persistErr("save run", err)
	}
	if anomalies == nil {
		anomalies = []model.Anomaly{}
	}
	data, err := json.MarshalIndent(runFile{Summary: summary, Anomalies: anomalies}, "", "  ")
	if err != nil {
		return persistErr("encode run", err)
	}
	if err := writeAtomic(filepath.Join(dir, "runs", summary.RunID+".json"), data); err != nil {
		return persistErr("save run", err)
	}
	return nil
}

// LoadRun reads back a run written by SaveRun.
func (s *FileStore) LoadRun(sourceID, runID string) (model.RunSummary, []model.Anomaly, error) {
	dir, err := s.sourceDir(sourceID)
	if err != nil {
		return model.RunSummary{}, nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "runs", runID+".json"))
	if err != nil {
		return model.RunSummary{}, nil, err
	}
	var rf runFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return model.RunSummary{}, nil, err
	}
	return rf.Summary, rf.Anomalies, nil
}

// writeAtomic replaces path so readers see either the old or the new content.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
