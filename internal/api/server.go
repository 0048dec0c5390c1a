package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logsentry/internal/anomalies"
	"logsentry/internal/baseline"
	"logsentry/internal/config"
	"logsentry/internal/ingest"
	"logsentry/internal/model"
	"logsentry/internal/pipeline"
	"logsentry/internal/storage"
)

// PipelineFactory returns a fresh pipeline for one request under cfg.
type PipelineFactory func(cfg *config.Config) *pipeline.Pipeline

type Server struct {
	cfg         *config.Manager
	newPipeline PipelineFactory
	recent      *anomalies.Store
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
	version     string

	mu   sync.RWMutex
	last *model.RunSummary
}

type statusResponse struct {
	Status     string            `json:"status"`
	Time       string            `json:"time"`
	Version    string            `json:"version"`
	ConfigPath string            `json:"config_path"`
	Storage    storageStatus     `json:"storage"`
	Detection  detectionStatus   `json:"detection"`
	Recent     int               `json:"recent_anomalies"`
	LastRun    *model.RunSummary `json:"last_run,omitempty"`
}

type storageStatus struct {
	Driver   string `json:"driver"`
	SaveRuns bool   `json:"save_runs"`
}

type detectionStatus struct {
	ZThreshold float64 `json:"z_threshold"`
	Isolation  bool    `json:"isolation"`
	WindowSize int     `json:"window_size"`
}

type errorResponse struct {
	Error     string            `json:"error"`
	Summary   *model.RunSummary `json:"summary,omitempty"`
	Anomalies []model.Anomaly   `json:"anomalies,omitempty"`
}

func NewServer(cfg *config.Manager, newPipeline PipelineFactory, recent *anomalies.Store, gatherer prometheus.Gatherer, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if recent == nil {
		recent = anomalies.NewStore(0)
	}
	return &Server{
		cfg:         cfg,
		newPipeline: newPipeline,
		recent:      recent,
		gatherer:    gatherer,
		logger:      logger,
		version:     version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/detect", s.handleDetect)
	mux.HandleFunc("/train", s.handleTrain)
	mux.HandleFunc("/anomalies", s.handleAnomalies)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start serves the API until ctx is done.
func (s *Server) Start(ctx context.Context) *http.Server {
	addr := s.cfg.Get().API.Addr
	s.logger.Info("api enabled", "addr", addr)
	httpServer := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage:    storageStatus{Driver: cfg.Storage.Driver, SaveRuns: cfg.Storage.SaveRuns},
		Detection: detectionStatus{
			ZThreshold: cfg.Detection.ZThreshold,
			Isolation:  cfg.Detection.Isolation.Enabled,
			WindowSize: cfg.Context.WindowSize,
		},
	}
	if s.recent != nil {
		resp.Recent = s.recent.Len()
	}
	s.mu.RLock()
	resp.LastRun = s.last
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	s.handleRun(w, r, model.ModeDetect)
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	s.handleRun(w, r, model.ModeTrain)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, mode model.Mode) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sourceID := r.URL.Query().Get("source")
	if err := storage.ValidateSourceID(sourceID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	cfg := s.cfg.Get()
	limit := cfg.API.MaxBody
	if limit <= 0 {
		limit = 32 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty body"})
		return
	}

	opts := ingest.OptionsFromConfig(cfg.Source, s.logger)
	replay, err := ingest.MaterializeReader(r.Context(), bytes.NewReader(body), opts)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	p := s.newPipeline(cfg)
	var res pipeline.Result
	if mode == model.ModeTrain {
		res, err = p.Train(r.Context(), sourceID, replay.Opener())
	} else {
		res, err = p.Detect(r.Context(), sourceID, replay.Opener())
	}
	s.mu.Lock()
	summary := res.Summary
	s.last = &summary
	s.mu.Unlock()

	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{
			Error:     err.Error(),
			Summary:   &summary,
			Anomalies: res.Anomalies,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, baseline.ErrMissingBaseline):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrSourceCorrupt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []anomalies.Entry
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.recent.Since(ts)
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	} else {
		list = s.recent.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": list,
		"count":     len(list),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
