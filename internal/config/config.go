package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	LogFile   string          `json:"log_file" yaml:"log_file"`
	Source    SourceConfig    `json:"source" yaml:"source"`
	Template  TemplateConfig  `json:"template" yaml:"template"`
	Baseline  BaselineConfig  `json:"baseline" yaml:"baseline"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Context   ContextConfig   `json:"context" yaml:"context"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	API       APIConfig       `json:"api" yaml:"api"`
	Anomalies AnomaliesConfig `json:"anomalies" yaml:"anomalies"`
}

type SourceConfig struct {
	MessageField     string `json:"message_field" yaml:"message_field"`
	DurationField    string `json:"duration_field" yaml:"duration_field"`
	CorrelationField string `json:"correlation_field" yaml:"correlation_field"`
	Timezone         string `json:"timezone" yaml:"timezone"`
	MaxLineBytes     int    `json:"max_line_bytes" yaml:"max_line_bytes"`
}

type TemplateConfig struct {
	CacheSize int          `json:"cache_size" yaml:"cache_size"`
	Rules     []RuleConfig `json:"rules" yaml:"rules"`
}

// RuleConfig is an extra substitution applied after the built-in rules.
type RuleConfig struct {
	Name        string `json:"name" yaml:"name"`
	Pattern     string `json:"pattern" yaml:"pattern"`
	Placeholder string `json:"placeholder" yaml:"placeholder"`
}

type BaselineConfig struct {
	MinSamples       int64   `json:"min_samples" yaml:"min_samples"`
	QuantileAccuracy float64 `json:"quantile_accuracy" yaml:"quantile_accuracy"`
}

type DetectionConfig struct {
	ZThreshold    float64         `json:"z_threshold" yaml:"z_threshold"`
	HighSeverityZ float64         `json:"high_severity_z" yaml:"high_severity_z"`
	Isolation     IsolationConfig `json:"isolation" yaml:"isolation"`
}

type IsolationConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	Contamination float64 `json:"contamination" yaml:"contamination"`
	Trees         int     `json:"trees" yaml:"trees"`
	SampleSize    int     `json:"sample_size" yaml:"sample_size"`
	MinTemplates  int     `json:"min_templates" yaml:"min_templates"`
	Seed          int64   `json:"seed" yaml:"seed"`
	// HighScore is the isolation score above which an anomaly is HIGH severity.
	HighScore float64 `json:"high_score" yaml:"high_score"`
}

type ContextConfig struct {
	WindowSize int `json:"window_size" yaml:"window_size"`
	// MaxSessionRecords caps records retained per correlation key; 0 keeps whole sessions.
	MaxSessionRecords int `json:"max_session_records" yaml:"max_session_records"`
}

type StorageConfig struct {
	Driver   string `json:"driver" yaml:"driver"`
	DSN      string `json:"dsn" yaml:"dsn"`
	SaveRuns bool   `json:"save_runs" yaml:"save_runs"`
}

type KafkaConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Brokers     []string      `json:"brokers" yaml:"brokers"`
	Topic       string        `json:"topic" yaml:"topic"`
	GroupID     string        `json:"group_id" yaml:"group_id"`
	MaxRecords  int           `json:"max_records" yaml:"max_records"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

type APIConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	MaxBody int64  `json:"max_body" yaml:"max_body"`
}

type AnomaliesConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Source: SourceConfig{
			MessageField:     "message",
			DurationField:    "duration_ms",
			CorrelationField: "correlation_id",
			Timezone:         "UTC",
			MaxLineBytes:     1 << 20,
		},
		Template: TemplateConfig{CacheSize: 10000},
		Baseline: BaselineConfig{MinSamples: 1, QuantileAccuracy: 0.01},
		Detection: DetectionConfig{
			ZThreshold:    3.0,
			HighSeverityZ: 5.0,
			Isolation: IsolationConfig{
				Enabled:       true,
				Contamination: 0.05,
				Trees:         100,
				SampleSize:    256,
				MinTemplates:  10,
				Seed:          42,
				HighScore:     0.5,
			},
		},
		Context: ContextConfig{WindowSize: 10},
		Storage: StorageConfig{Driver: "file", DSN: "baselines", SaveRuns: false},
		Kafka: KafkaConfig{
			Enabled:     false,
			MaxRecords:  100000,
			IdleTimeout: 5 * time.Second,
		},
		API:       APIConfig{Addr: ":8081", MaxBody: 32 << 20},
		Anomalies: AnomaliesConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults (plus env) when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("LOGSENTRY_CONFIG")
	}
	if path == "" {
		cfg := DefaultConfig()
		ApplyEnv(cfg)
		applyDefaults(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// ApplyEnv overlays LOGSENTRY_* environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("LOGSENTRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGSENTRY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("LOGSENTRY_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("LOGSENTRY_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("LOGSENTRY_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LOGSENTRY_CORRELATION_FIELD"); v != "" {
		cfg.Source.CorrelationField = v
	}
	if v := os.Getenv("LOGSENTRY_Z_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.ZThreshold = f
		}
	}
	if v := os.Getenv("LOGSENTRY_CONTAMINATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.Isolation.Contamination = f
		}
	}
	if v := os.Getenv("LOGSENTRY_WINDOW_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Context.WindowSize = n
		}
	}
	if v := os.Getenv("LOGSENTRY_ISOLATION_ENABLED"); v != "" {
		cfg.Detection.Isolation.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("LOGSENTRY_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("LOGSENTRY_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Source.MessageField == "" {
		cfg.Source.MessageField = "message"
	}
	if cfg.Source.DurationField == "" {
		cfg.Source.DurationField = "duration_ms"
	}
	if cfg.Source.CorrelationField == "" {
		cfg.Source.CorrelationField = "correlation_id"
	}
	if cfg.Source.Timezone == "" {
		cfg.Source.Timezone = "UTC"
	}
	if cfg.Source.MaxLineBytes <= 0 {
		cfg.Source.MaxLineBytes = 1 << 20
	}
	if cfg.Template.CacheSize < 0 {
		cfg.Template.CacheSize = 0
	}
	if cfg.Baseline.MinSamples <= 0 {
		cfg.Baseline.MinSamples = 1
	}
	if cfg.Baseline.QuantileAccuracy <= 0 || cfg.Baseline.QuantileAccuracy >= 1 {
		cfg.Baseline.QuantileAccuracy = 0.01
	}
	if cfg.Detection.HighSeverityZ <= 0 {
		cfg.Detection.HighSeverityZ = 5.0
	}
	if cfg.Detection.Isolation.Trees <= 0 {
		cfg.Detection.Isolation.Trees = 100
	}
	if cfg.Detection.Isolation.SampleSize <= 0 {
		cfg.Detection.Isolation.SampleSize = 256
	}
	if cfg.Detection.Isolation.HighScore <= 0 || cfg.Detection.Isolation.HighScore > 1 {
		cfg.Detection.Isolation.HighScore = 0.5
	}
	if cfg.Detection.Isolation.MinTemplates <= 0 {
		cfg.Detection.Isolation.MinTemplates = 10
	}
	if cfg.Context.WindowSize <= 0 {
		cfg.Context.WindowSize = 10
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "file"
	}
	if cfg.Kafka.MaxRecords <= 0 {
		cfg.Kafka.MaxRecords = 100000
	}
	if cfg.Kafka.IdleTimeout <= 0 {
		cfg.Kafka.IdleTimeout = 5 * time.Second
	}
	if cfg.API.MaxBody <= 0 {
		cfg.API.MaxBody = 32 << 20
	}
	if cfg.Anomalies.StoreLimit <= 0 {
		cfg.Anomalies.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	if cfg.Detection.ZThreshold <= 0 {
		return errors.New("detection.z_threshold must be > 0")
	}
	iso := cfg.Detection.Isolation
	if iso.Contamination <= 0 || iso.Contamination >= 0.5 {
		return fmt.Errorf("detection.isolation.contamination must be in (0, 0.5): %v", iso.Contamination)
	}
	if cfg.Context.MaxSessionRecords < 0 {
		return errors.New("context.max_session_records must be >= 0")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "file", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return errors.New("kafka requires brokers and topic")
		}
	}
	for _, rule := range cfg.Template.Rules {
		if rule.Pattern == "" || rule.Placeholder == "" {
			return fmt.Errorf("template rule %q requires pattern and placeholder", rule.Name)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("template rule %q: %w", rule.Name, err)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime atomic.Value
}

func NewManager(path string) (*Manager, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := LoadOrDefault(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime())
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	last, _ := m.modTime.Load().(time.Time)
	return info.ModTime().After(last), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}
