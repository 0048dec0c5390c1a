package anomalies

import (
	"sync"
	"time"

	"logsentry/internal/model"
)

// Entry is an anomaly tagged with the run that produced it.
type Entry struct {
	RunID      string        `json:"run_id"`
	SourceID   string        `json:"source_id"`
	DetectedAt time.Time     `json:"detected_at"`
	Anomaly    model.Anomaly `json:"anomaly"`
}

// Store is a bounded buffer of the most recent anomalies, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []Entry
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(e)
}

// AddRun appends a run's anomalies in emission order.
func (s *Store) AddRun(runID, sourceID string, at time.Time, list []model.Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range list {
		s.add(Entry{RunID: runID, SourceID: sourceID, DetectedAt: at, Anomaly: a})
	}
}

func (s *Store) add(e Entry) {
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, e)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = e
}

// List returns the newest limit entries, oldest first. limit <= 0 means all.
func (s *Store) List(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]Entry, limit)
	copy(out, s.buf[len(s.buf)-limit:])
	return out
}

func (s *Store) Since(ts time.Time) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range s.buf {
		if !e.DetectedAt.Before(ts) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
