package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EmptyTemplate is the reserved template for empty or whitespace-only messages.
const EmptyTemplate = "{empty}"

type LogRecord struct {
	Seq           int            `json:"seq,omitempty"`
	Message       string         `json:"message"`
	DurationMS    float64        `json:"duration_ms"`
	Timestamp     time.Time      `json:"-"`
	RawTimestamp  string         `json:"timestamp,omitempty"`
	Level         string         `json:"level,omitempty"`
	Service       string         `json:"service,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

type TemplateStats struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	P95    float64 `json:"p95"`
}

// HasSpread reports whether the standard deviation is defined for z-scoring.
func (s TemplateStats) HasSpread() bool {
	return s.Count >= 2
}

type Detector string

const (
	DetectorZScore     Detector = "zscore"
	DetectorIsolation  Detector = "isolation"
	DetectorNewPattern Detector = "new_pattern"
)

type AnomalyType string

const (
	TypeDurationSpike AnomalyType = "DURATION_SPIKE"
	TypeDurationDrop  AnomalyType = "DURATION_DROP"
	TypeNewPattern    AnomalyType = "NEW_PATTERN"
	TypeIsolation     AnomalyType = "ISOLATION_FOREST_ANOMALY"
)

type Severity string

const (
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

type Anomaly struct {
	Template         string      `json:"template"`
	Message          string      `json:"message"`
	Timestamp        string      `json:"timestamp,omitempty"`
	Level            string      `json:"level,omitempty"`
	Service          string      `json:"service,omitempty"`
	ObservedDuration float64     `json:"observed_duration"`
	ExpectedMean     float64     `json:"expected_mean"`
	ExpectedStd      float64     `json:"expected_std"`
	ZScore           *float64    `json:"z_score"`
	IsolationScore   *float64    `json:"isolation_score,omitempty"`
	FiredBy          []Detector  `json:"fired_by"`
	Type             AnomalyType `json:"anomaly_type"`
	Severity         Severity    `json:"severity"`
	Context          Context     `json:"-"`
}

// Fired reports whether the given detector contributed to the anomaly.
func (a Anomaly) Fired(d Detector) bool {
	for _, f := range a.FiredBy {
		if f == d {
			return true
		}
	}
	return false
}

// anomalyAlias drops Anomaly's methods so the JSON codec does not recurse.
type anomalyAlias Anomaly

type anomalyJSON struct {
	anomalyAlias
	Context json.RawMessage `json:"context"`
}

func (a Anomaly) MarshalJSON() ([]byte, error) {
	ctx, err := MarshalContext(a.Context)
	if err != nil {
		return nil, err
	}
	return json.Marshal(anomalyJSON{anomalyAlias: anomalyAlias(a), Context: ctx})
}

func (a *Anomaly) UnmarshalJSON(data []byte) error {
	var raw anomalyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Anomaly(raw.anomalyAlias)
	if len(raw.Context) == 0 || string(raw.Context) == "null" {
		a.Context = nil
		return nil
	}
	ctx, err := UnmarshalContext(raw.Context)
	if err != nil {
		return err
	}
	a.Context = ctx
	return nil
}

type ContextKind string

const (
	ContextSession ContextKind = "session"
	ContextWindow  ContextKind = "window"
)

// Context is implemented only by SessionContext and WindowContext.
type Context interface {
	Kind() ContextKind
	sealed()
}

type SessionContext struct {
	SessionID       string      `json:"session_id"`
	Logs            []LogRecord `json:"session_logs"`
	AnomalyPosition int         `json:"anomaly_position"`
	SessionStart    string      `json:"session_start,omitempty"`
	SessionEnd      string      `json:"session_end,omitempty"`
	TotalLogs       int         `json:"total_logs_in_session"`
}

func (SessionContext) Kind() ContextKind { return ContextSession }
func (SessionContext) sealed()           {}

type WindowContext struct {
	Previous []LogRecord `json:"previous_logs"`
	Current  LogRecord   `json:"current_log"`
	Next     []LogRecord `json:"next_logs"`
	Position int         `json:"position"`
}

func (WindowContext) Kind() ContextKind { return ContextWindow }
func (WindowContext) sealed()           {}

// Captured is the number of records held by the window, the anomalous one included.
func (w WindowContext) Captured() int {
	return len(w.Previous) + 1 + len(w.Next)
}

var ErrUnknownContext = errors.New("unknown context type")

func MarshalContext(c Context) ([]byte, error) {
	switch v := c.(type) {
	case nil:
		return []byte("null"), nil
	case SessionContext:
		return json.Marshal(struct {
			Type ContextKind `json:"type"`
			SessionContext
		}{ContextSession, v})
	case WindowContext:
		return json.Marshal(struct {
			Type ContextKind `json:"type"`
			WindowContext
		}{ContextWindow, v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownContext, c)
	}
}

func UnmarshalContext(data []byte) (Context, error) {
	var head struct {
		Type ContextKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case ContextSession:
		var s SessionContext
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case ContextWindow:
		var w WindowContext
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownContext, head.Type)
	}
}

type Mode string

const (
	ModeTrain  Mode = "train"
	ModeDetect Mode = "detect"
)

type RunSummary struct {
	RunID      string    `json:"run_id"`
	Mode       Mode      `json:"mode"`
	SourceID   string    `json:"source_id"`
	State      string    `json:"state"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Anomalies  int       `json:"anomalies"`
	Templates  int       `json:"templates,omitempty"`
	Sessions   int       `json:"sessions,omitempty"`
	Degraded   bool      `json:"degraded"`
	Events     []string  `json:"events,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
