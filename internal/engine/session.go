package engine

import (
	"context"
	"errors"
	"io"

	"logsentry/internal/baseline"
	"logsentry/internal/model"
)

// SessionIndex groups records by correlation key in arrival order.
// With a positive cap, a key that outgrows it is evicted and its anomalies
// fall back to window context.
type SessionIndex struct {
	maxRecords int
	sessions   map[string][]model.LogRecord
	overflowed map[string]bool
}

func NewSessionIndex(maxRecords int) *SessionIndex {
	if maxRecords < 0 {
		maxRecords = 0
	}
	return &SessionIndex{
		maxRecords: maxRecords,
		sessions:   make(map[string][]model.LogRecord),
		overflowed: make(map[string]bool),
	}
}

func (s *SessionIndex) Add(rec model.LogRecord) {
	key := rec.CorrelationID
	if key == "" || s.overflowed[key] {
		return
	}
	group := append(s.sessions[key], rec)
	if s.maxRecords > 0 && len(group) > s.maxRecords {
		delete(s.sessions, key)
		s.overflowed[key] = true
		return
	}
	s.sessions[key] = group
}

func (s *SessionIndex) Lookup(key string) ([]model.LogRecord, bool) {
	if key == "" {
		return nil, false
	}
	group, ok := s.sessions[key]
	return group, ok
}

func (s *SessionIndex) Len() int {
	return len(s.sessions)
}

// Overflowed is the number of keys evicted for exceeding the cap.
func (s *SessionIndex) Overflowed() int {
	return len(s.overflowed)
}

// BuildSessions is pass one: it reads src to the end and returns the grouping.
// On a stream error the grouping of the records read so far is returned with the error.
func BuildSessions(ctx context.Context, src baseline.RecordSource, maxRecords int) (*SessionIndex, int, error) {
	idx := NewSessionIndex(maxRecords)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return idx, n, err
		}
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return idx, n, nil
		}
		if err != nil {
			return idx, n, err
		}
		idx.Add(rec)
		n++
	}
}

func sessionContext(key string, group []model.LogRecord, rec model.LogRecord) model.SessionContext {
	pos := 0
	for i, r := range group {
		if r.Seq == rec.Seq {
			pos = i + 1
			break
		}
	}
	// anomalies in one session share the group; the grouping is frozen after pass one
	return model.SessionContext{
		SessionID:       key,
		Logs:            group[:len(group):len(group)],
		AnomalyPosition: pos,
		SessionStart:    group[0].RawTimestamp,
		SessionEnd:      group[len(group)-1].RawTimestamp,
		TotalLogs:       len(group),
	}
}
