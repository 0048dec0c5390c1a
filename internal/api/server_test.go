package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logsentry/internal/anomalies"
	"logsentry/internal/config"
	"logsentry/internal/metrics"
	"logsentry/internal/normalize"
	"logsentry/internal/pipeline"
	"logsentry/internal/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv("LOGSENTRY_CONFIG", "")
	mgr, err := config.NewManager("")
	require.NoError(t, err)

	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))

	reg := prometheus.NewRegistry()
	collector := metrics.New()
	require.NoError(t, collector.Register(reg))
	recent := anomalies.NewStore(50)
	ex := normalize.NewDefaultExtractor()
	t.Cleanup(ex.Close)

	factory := func(cfg *config.Config) *pipeline.Pipeline {
		return pipeline.New(*cfg, pipeline.Deps{
			Store:     store,
			Extractor: ex,
			Metrics:   collector,
			Recent:    recent,
		})
	}
	srv := httptest.NewServer(NewServer(mgr, factory, recent, reg, nil, "test").Handler())
	t.Cleanup(srv.Close)
	return srv
}

func trainingBody() string {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		d := 130
		if i%2 == 1 {
			d = 170
		}
		fmt.Fprintf(&sb, `{"message":"Database connection timeout after %dms","duration_ms":%d,"correlation_id":"req-%d"}`+"\n", d, d, i)
	}
	return sb.String()
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTrainThenDetect(t *testing.T) {
	srv := newTestServer(t)

	resp, out := post(t, srv.URL+"/train?source=payments", trainingBody())
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", out)
	summary := out["summary"].(map[string]any)
	assert.Equal(t, "READY", summary["state"])
	assert.Equal(t, float64(40), summary["processed"])

	detect := `[
		{"message":"Database connection timeout after 150ms","duration_ms":150},
		{"message":"Database connection timeout after 5200ms","duration_ms":5200}
	]`
	resp, out = post(t, srv.URL+"/detect?source=payments", detect)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", out)
	list := out["anomalies"].([]any)
	require.Len(t, list, 1)
	a := list[0].(map[string]any)
	assert.Equal(t, "DURATION_SPIKE", a["anomaly_type"])
	assert.InDelta(t, 252.5, a["z_score"].(float64), 1e-6)
	ctx := a["context"].(map[string]any)
	assert.Equal(t, "window", ctx["type"])
	assert.Equal(t, float64(2), ctx["position"])

	got, err := http.Get(srv.URL + "/anomalies?limit=5")
	require.NoError(t, err)
	defer got.Body.Close()
	var recent struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(got.Body).Decode(&recent))
	assert.Equal(t, 1, recent.Count)

	status, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer status.Body.Close()
	var st statusResponse
	require.NoError(t, json.NewDecoder(status.Body).Decode(&st))
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "DONE", st.LastRun.State)
	assert.Equal(t, 1, st.Recent)

	m, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	exposition, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	assert.Contains(t, string(exposition), "logsentry_anomalies_total")
}

func TestDetectWithoutBaselineIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp, out := post(t, srv.URL+"/detect?source=nothing", `{"message":"x","duration_ms":1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, out["error"], "baseline not found")
}

func TestCorruptBodyReturnsPartialResult(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := post(t, srv.URL+"/train?source=payments", trainingBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := `[{"message":"Database connection timeout after 5200ms","duration_ms":5200},{"message":`
	resp, out := post(t, srv.URL+"/detect?source=payments", body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	summary := out["summary"].(map[string]any)
	assert.Equal(t, "FAILED", summary["state"])
	assert.Len(t, out["anomalies"], 1)
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := post(t, srv.URL+"/detect?source=../etc", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/detect?source=ok", "   ")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(srv.URL + "/detect?source=ok")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)

	since, err := http.Get(srv.URL + "/anomalies?since=yesterday")
	require.NoError(t, err)
	since.Body.Close()
	assert.Equal(t, http.StatusBadRequest, since.StatusCode)
}
