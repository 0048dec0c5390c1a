package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"logsentry/internal/config"
	"logsentry/internal/model"
)

// Rule replaces every match of Pattern with Placeholder.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Placeholder string
}

// Built-in rules, most specific first. Later rules never see text an earlier rule replaced.
var builtinRules = []Rule{
	{
		Name:        "uuid",
		Pattern:     regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`),
		Placeholder: "{uuid}",
	},
	{
		Name:        "timestamp",
		Pattern:     regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`),
		Placeholder: "{timestamp}",
	},
	{
		Name:        "ip",
		Pattern:     regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
		Placeholder: "{ip}",
	},
	{
		Name:        "hex",
		Pattern:     regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b`),
		Placeholder: "{hex}",
	},
	{
		// Numbers glued to a unit suffix (450ms) keep the suffix.
		Name:        "num",
		Pattern:     regexp.MustCompile(`\b\d+(?:\.\d+)?`),
		Placeholder: "{num}",
	},
}

// BuiltinRules returns a copy of the default rule chain.
func BuiltinRules() []Rule {
	out := make([]Rule, len(builtinRules))
	copy(out, builtinRules)
	return out
}

type segment struct {
	text        string
	placeholder bool
}

// Extractor maps raw messages to templates. It is safe for concurrent use.
type Extractor struct {
	rules []Rule
	cache *ristretto.Cache
}

// NewExtractor builds an extractor from the template config section.
// A cache size of zero disables memoisation.
func NewExtractor(cfg config.TemplateConfig) (*Extractor, error) {
	rules := BuiltinRules()
	for _, rc := range cfg.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", rc.Name, err)
		}
		rules = append(rules, Rule{Name: rc.Name, Pattern: re, Placeholder: rc.Placeholder})
	}
	e := &Extractor{rules: rules}
	if cfg.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: int64(cfg.CacheSize) * 10,
			MaxCost:     int64(cfg.CacheSize),
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("template cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// NewDefaultExtractor uses only the built-in rules and no cache.
func NewDefaultExtractor() *Extractor {
	return &Extractor{rules: BuiltinRules()}
}

func (e *Extractor) Extract(message string) string {
	if strings.TrimSpace(message) == "" {
		return model.EmptyTemplate
	}
	if e.cache != nil {
		if v, ok := e.cache.Get(message); ok {
			if t, ok := v.(string); ok {
				return t
			}
		}
	}
	t := e.apply(message)
	if e.cache != nil {
		e.cache.Set(message, t, 1)
	}
	return t
}

func (e *Extractor) apply(message string) string {
	segs := []segment{{text: message}}
	for _, rule := range e.rules {
		segs = applyRule(segs, rule)
	}
	var b strings.Builder
	b.Grow(len(message))
	for _, s := range segs {
		b.WriteString(s.text)
	}
	return b.String()
}

func applyRule(segs []segment, rule Rule) []segment {
	out := make([]segment, 0, len(segs))
	for _, s := range segs {
		if s.placeholder {
			out = append(out, s)
			continue
		}
		matches := rule.Pattern.FindAllStringIndex(s.text, -1)
		if len(matches) == 0 {
			out = append(out, s)
			continue
		}
		last := 0
		for _, m := range matches {
			if m[0] == m[1] {
				continue
			}
			if m[0] > last {
				out = append(out, segment{text: s.text[last:m[0]]})
			}
			out = append(out, segment{text: rule.Placeholder, placeholder: true})
			last = m[1]
		}
		if last < len(s.text) {
			out = append(out, segment{text: s.text[last:]})
		}
	}
	return out
}

// Wait blocks until pending cache writes are visible.
func (e *Extractor) Wait() {
	if e.cache != nil {
		e.cache.Wait()
	}
}

func (e *Extractor) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05,000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
