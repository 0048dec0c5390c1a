package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"logsentry/internal/model"
	"logsentry/internal/normalize"
)

// FieldMap names the keys holding the message, duration and correlation key.
type FieldMap struct {
	Message     string
	Duration    string
	Correlation string
}

func (f FieldMap) withDefaults() FieldMap {
	if f.Message == "" {
		f.Message = "message"
	}
	if f.Duration == "" {
		f.Duration = "duration_ms"
	}
	if f.Correlation == "" {
		f.Correlation = "correlation_id"
	}
	return f
}

var (
	timestampKeys = []string{"timestamp", "time", "ts", "@timestamp"}
	levelKeys     = []string{"level", "severity", "lvl"}
	serviceKeys   = []string{"service", "service_name", "app"}
)

// ParseJSONBytes decodes one JSON object into a record.
func ParseJSONBytes(data []byte, fields FieldMap, loc *time.Location) (model.LogRecord, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return model.LogRecord{}, fmt.Errorf("%w: %v", ErrRecordMalformed, err)
	}
	if obj == nil {
		return model.LogRecord{}, fmt.Errorf("%w: not an object", ErrRecordMalformed)
	}
	return ParseJSONMap(obj, fields, loc)
}

func ParseJSONMap(obj map[string]interface{}, fields FieldMap, loc *time.Location) (model.LogRecord, error) {
	fields = fields.withDefaults()
	used := map[string]bool{}

	rawMsg, ok := obj[fields.Message]
	if !ok {
		return model.LogRecord{}, fmt.Errorf("%w: missing %q", ErrRecordMalformed, fields.Message)
	}
	msg, ok := rawMsg.(string)
	if !ok {
		if rawMsg == nil {
			return model.LogRecord{}, fmt.Errorf("%w: null %q", ErrRecordMalformed, fields.Message)
		}
		msg = fmt.Sprint(rawMsg)
	}
	used[fields.Message] = true

	rawDur, ok := obj[fields.Duration]
	if !ok {
		return model.LogRecord{}, fmt.Errorf("%w: missing %q", ErrRecordMalformed, fields.Duration)
	}
	dur, err := toFloat(rawDur)
	if err != nil {
		return model.LogRecord{}, fmt.Errorf("%w: %s: %v", ErrRecordMalformed, fields.Duration, err)
	}
	if math.IsNaN(dur) || math.IsInf(dur, 0) {
		return model.LogRecord{}, fmt.Errorf("%w: non-finite %s", ErrRecordMalformed, fields.Duration)
	}
	if dur < 0 {
		return model.LogRecord{}, fmt.Errorf("%w: negative %s %v", ErrRecordMalformed, fields.Duration, dur)
	}
	used[fields.Duration] = true

	rec := model.LogRecord{Message: msg, DurationMS: dur}

	if v, ok := obj[fields.Correlation]; ok {
		used[fields.Correlation] = true
		if v != nil {
			rec.CorrelationID = strings.TrimSpace(scalarString(v))
		}
	}
	var key string
	rec.RawTimestamp, key = firstNonEmpty(obj, timestampKeys...)
	used[key] = key != ""
	if rec.RawTimestamp != "" {
		if ts, err := normalize.ParseTimestamp(rec.RawTimestamp, loc); err == nil {
			rec.Timestamp = ts.UTC()
		}
	}
	rec.Level, key = firstNonEmpty(obj, levelKeys...)
	used[key] = key != ""
	rec.Service, key = firstNonEmpty(obj, serviceKeys...)
	used[key] = key != ""

	for k, v := range obj {
		if used[k] {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = map[string]any{}
		}
		rec.Extra[k] = v
	}
	return rec, nil
}

// firstNonEmpty returns the first non-blank value among keys and the key it came from.
func firstNonEmpty(obj map[string]interface{}, keys ...string) (string, string) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(scalarString(v)); s != "" {
			return s, k
		}
	}
	return "", ""
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}
