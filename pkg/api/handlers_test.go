/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/llmscout/pkg/backend"
	"github.com/carverauto/llmscout/pkg/cache"
	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

type stubDiscovery struct {
	stats  models.DiscoveryStats
	online []models.Host
	all    []models.Host
}

func (s *stubDiscovery) Stats() models.DiscoveryStats { return s.stats }
func (s *stubDiscovery) OnlineHosts() []models.Host   { return s.online }
func (s *stubDiscovery) AllHosts() []models.Host      { return s.all }

type stubTicker struct {
	ticks int
}

func (s *stubTicker) Tick(_ context.Context) { s.ticks++ }

func testConfig() models.APIConfig {
	return models.APIConfig{
		ListenAddr:   ":0",
		CORS:         models.CORSConfig{AllowedOrigins: []string{"*"}},
		TrustedHosts: []string{"*"},
	}
}

// newBackendView points a real capability view at an httptest upstream and
// returns the view plus the derived label.
func newBackendView(t *testing.T, upstream *httptest.Server) (*backend.Service, string) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(upstream.Listener.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	svc := backend.NewService(backend.KindOllama, backend.Options{Timeout: time.Second}, logger.NewTestLogger())
	svc.Refresh([]models.Host{{IP: host, Port: port, IsOnline: true}})

	labels := svc.Labels()
	require.Len(t, labels, 1)

	return svc, labels[0]
}

func TestHandleRoot(t *testing.T) {
	s := NewServer(testConfig(), logger.NewTestLogger())

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "llmscout API", body["message"])
	assert.Equal(t, "running", body["status"])
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		discovery  DiscoveryService
		wantCode   int
		wantStatus string
	}{
		{
			name:       "running manager is healthy",
			discovery:  &stubDiscovery{stats: models.DiscoveryStats{Running: true, OnlineHosts: 2}},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "stopped manager is unhealthy",
			discovery:  &stubDiscovery{stats: models.DiscoveryStats{Running: false}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name:       "absent manager is unhealthy",
			discovery:  nil,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []func(*Server){}
			if tt.discovery != nil {
				opts = append(opts, WithDiscovery(tt.discovery))
			}

			s := NewServer(testConfig(), logger.NewTestLogger(), opts...)

			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, tt.wantCode, rec.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Equal(t, "llmscout", body["service"])
		})
	}
}

func TestHandleStatus_ServesCache(t *testing.T) {
	statusCache := cache.NewStatusCache(logger.NewTestLogger())
	statusCache.Update(map[string]models.ProcessStatus{
		"gpu-box": {IsOnline: true, IP: "10.0.0.5", Port: 11434},
	})

	s := NewServer(testConfig(), logger.NewTestLogger(), WithStatusSource(statusCache))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/llmm", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body.Endpoints, "gpu-box")
	assert.True(t, body.Endpoints["gpu-box"].IsOnline)
	require.NotNil(t, body.UpdatedAt)
}

func TestHandleStatus_EmptyCacheOmitsUpdatedAt(t *testing.T) {
	s := NewServer(testConfig(), logger.NewTestLogger(),
		WithStatusSource(cache.NewStatusCache(logger.NewTestLogger())))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/llmm", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "updated_at")
}

func TestHandleTick(t *testing.T) {
	ticker := &stubTicker{}
	s := NewServer(testConfig(), logger.NewTestLogger(), WithFunnel(ticker))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/llmm/tick", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ticker.ticks)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleHosts(t *testing.T) {
	discovery := &stubDiscovery{
		online: []models.Host{{IP: "10.0.0.5", Port: 11434, IsOnline: true}},
		all: []models.Host{
			{IP: "10.0.0.5", Port: 11434, IsOnline: true},
			{IP: "192.168.1.5", Port: 11434, Predefined: true},
		},
	}

	s := NewServer(testConfig(), logger.NewTestLogger(), WithDiscovery(discovery))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/llmm/hosts", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var all map[string][]models.Host
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all["hosts"], 2)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/llmm/hosts/online", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var online map[string][]models.Host
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &online))
	require.Len(t, online["hosts"], 1)
	assert.Equal(t, "10.0.0.5", online["hosts"][0].IP)
}

func TestHandleModels(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"},{"name":"phi3:mini"}]}`))
	}))
	defer upstream.Close()

	view, label := newBackendView(t, upstream)
	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/llmm/"+label+"/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"llama3:latest", "phi3:mini"}, body["models"])
}

func TestHandleModels_UnknownLabel(t *testing.T) {
	view := backend.NewService(backend.KindOllama, backend.Options{}, logger.NewTestLogger())
	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/llmm/nope/models", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleModels_DeadBackendReturnsEmptyList(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	view, label := newBackendView(t, upstream)
	upstream.Close()

	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/llmm/"+label+"/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"models":[]}`, rec.Body.String())
}

func TestHandlePull_StreamsProgress(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/pull", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req["name"])

		_, _ = w.Write([]byte(`{"status":"pulling manifest"}` + "\n"))
		_, _ = w.Write([]byte(`{"status":"success"}` + "\n"))
	}))
	defer upstream.Close()

	view, label := newBackendView(t, upstream)
	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	req := httptest.NewRequest(http.MethodPost, "/llmm/"+label+"/pull",
		strings.NewReader(`{"model_name":"llama3"}`))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"status":"pulling manifest"}`, lines[0])
	assert.JSONEq(t, `{"status":"success"}`, lines[1])
}

func TestHandlePull_UpstreamErrorBecomesErrorLine(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer upstream.Close()

	view, label := newBackendView(t, upstream)
	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	req := httptest.NewRequest(http.MethodPost, "/llmm/"+label+"/pull",
		strings.NewReader(`{"model_name":"nope"}`))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var line map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &line))
	assert.Contains(t, line["error"], "no such model")
}

func TestHandlePull_MissingModelName(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer upstream.Close()

	view, label := newBackendView(t, upstream)
	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	req := httptest.NewRequest(http.MethodPost, "/llmm/"+label+"/pull", strings.NewReader(`{}`))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChat_ProxiesWithDefaults(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req["model"])
		assert.Equal(t, true, req["stream"])

		_, _ = w.Write([]byte("data: {\"choices\":[]}\n\n"))
	}))
	defer upstream.Close()

	view, label := newBackendView(t, upstream)
	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	req := httptest.NewRequest(http.MethodPost, "/llmm/"+label+"/chat",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "choices")
}

func TestHandleChat_ExplicitModelAndNoStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "phi3:mini", req["model"])
		assert.Equal(t, false, req["stream"])

		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer upstream.Close()

	view, label := newBackendView(t, upstream)
	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	req := httptest.NewRequest(http.MethodPost, "/llmm/"+label+"/chat",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"stream":false,"model":"phi3:mini"}`))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleChat_MissingMessages(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer upstream.Close()

	view, label := newBackendView(t, upstream)
	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	req := httptest.NewRequest(http.MethodPost, "/llmm/"+label+"/chat", strings.NewReader(`{}`))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDelete(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/api/delete", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req["model"])

		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	view, label := newBackendView(t, upstream)
	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	req := httptest.NewRequest(http.MethodDelete, "/llmm/"+label+"/delete",
		strings.NewReader(`{"model_name":"llama3"}`))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success"}`, rec.Body.String())
}

func TestHandleDelete_UpstreamStatusPropagated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer upstream.Close()

	view, label := newBackendView(t, upstream)
	s := NewServer(testConfig(), logger.NewTestLogger(), WithBackends(view))

	req := httptest.NewRequest(http.MethodDelete, "/llmm/"+label+"/delete",
		strings.NewReader(`{"model_name":"ghost"}`))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "model not found")
}

func TestAPIKey_EnforcedOnLLMMSubtree(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "secret"

	s := NewServer(cfg, logger.NewTestLogger(),
		WithStatusSource(cache.NewStatusCache(logger.NewTestLogger())))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/llmm", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/llmm", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for probes.
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}
