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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/carverauto/llmscout/pkg/backend"
	"github.com/carverauto/llmscout/pkg/models"
)

const (
	deleteTimeout    = 30 * time.Second
	defaultChatModel = "llama3"
)

type pullRequest struct {
	ModelName string `json:"model_name"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
	// Stream defaults to true when the body omits it.
	Stream *bool   `json:"stream"`
	Model  *string `json:"model"`
}

type deleteRequest struct {
	ModelName string `json:"model_name"`
}

type statusResponse struct {
	Endpoints map[string]models.ProcessStatus `json:"endpoints"`
	UpdatedAt *time.Time                      `json:"updated_at,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"message": "llmscout API",
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.discovery == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unhealthy",
			"service": "llmscout",
			"error":   "discovery manager not configured",
		})

		return
	}

	stats := s.discovery.Stats()

	status, code := "healthy", http.StatusOK
	if !stats.Running {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   "llmscout",
		"discovery": stats,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.statuses == nil {
		writeError(w, "Status cache not configured", http.StatusServiceUnavailable)
		return
	}

	endpoints, updatedAt := s.statuses.Get()

	resp := statusResponse{Endpoints: endpoints}
	if !updatedAt.IsZero() {
		resp.UpdatedAt = &updatedAt
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if s.funnel == nil {
		writeError(w, "Funnel not configured", http.StatusServiceUnavailable)
		return
	}

	s.funnel.Tick(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAllHosts(w http.ResponseWriter, _ *http.Request) {
	if s.discovery == nil {
		writeError(w, "Discovery manager not configured", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string][]models.Host{"hosts": s.discovery.AllHosts()})
}

func (s *Server) handleOnlineHosts(w http.ResponseWriter, _ *http.Request) {
	if s.discovery == nil {
		writeError(w, "Discovery manager not configured", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string][]models.Host{"hosts": s.discovery.OnlineHosts()})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	b, ok := s.resolveBackend(w, r)
	if !ok {
		return
	}

	names, err := b.Tags(r.Context())
	if err != nil {
		// An unreachable backend answers with an empty list, not an
		// error: polling clients treat it the same as no models.
		s.logger.Error().Err(err).Str("label", b.Label()).Msg("Failed to fetch models")

		s.writeJSON(w, http.StatusOK, map[string][]string{"models": {}})

		return
	}

	if names == nil {
		names = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string][]string{"models": names})
}

// handlePull proxies a model pull, relaying the backend's NDJSON progress
// lines as they arrive.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	b, ok := s.resolveBackend(w, r)
	if !ok {
		return
	}

	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ModelName == "" {
		writeError(w, "model_name is required", http.StatusBadRequest)
		return
	}

	s.logger.Info().
		Str("label", b.Label()).
		Str("model", req.ModelName).
		Msg("Proxying model pull")

	body, _ := json.Marshal(map[string]string{"name": req.ModelName})

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost, b.BaseURL()+"/api/pull", bytes.NewReader(body))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	upstream.Header.Set("Content-Type", "application/json")

	w.Header().Set("Content-Type", "application/x-ndjson")

	resp, err := s.streamClient.Do(upstream)
	if err != nil {
		s.logger.Error().Err(err).Str("label", b.Label()).Msg("Pull request failed")
		writeStreamError(w, err.Error())

		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		s.logger.Error().
			Int("status", resp.StatusCode).
			Str("label", b.Label()).
			Msg("Pull rejected by backend")
		writeStreamError(w, string(detail))

		return
	}

	flusher, _ := w.(http.Flusher)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if _, err := w.Write(append(line, '\n')); err != nil {
			return
		}

		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Error().Err(err).Str("label", b.Label()).Msg("Pull stream interrupted")
		writeStreamError(w, err.Error())
	}
}

// handleChat proxies an OpenAI-compatible chat completion, streaming the
// backend's bytes through untouched.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	b, ok := s.resolveBackend(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		writeError(w, "messages are required", http.StatusBadRequest)
		return
	}

	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}

	model := defaultChatModel
	if req.Model != nil && *req.Model != "" {
		model = *req.Model
	}

	s.logger.Info().
		Str("label", b.Label()).
		Str("model", model).
		Int("messages", len(req.Messages)).
		Msg("Proxying chat completion")

	body, _ := json.Marshal(map[string]interface{}{
		"messages": req.Messages,
		"stream":   stream,
		"model":    model,
	})

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost, b.BaseURL()+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	upstream.Header.Set("Content-Type", "application/json")

	w.Header().Set("Content-Type", "text/event-stream")

	resp, err := s.streamClient.Do(upstream)
	if err != nil {
		s.logger.Error().Err(err).Str("label", b.Label()).Msg("Chat request failed")
		writeStreamError(w, err.Error())

		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		s.logger.Error().
			Int("status", resp.StatusCode).
			Str("label", b.Label()).
			Msg("Chat rejected by backend")
		writeStreamError(w, string(detail))

		return
	}

	copyFlush(w, resp.Body)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	b, ok := s.resolveBackend(w, r)
	if !ok {
		return
	}

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ModelName == "" {
		writeError(w, "model_name is required", http.StatusBadRequest)
		return
	}

	s.logger.Info().
		Str("label", b.Label()).
		Str("model", req.ModelName).
		Msg("Proxying model delete")

	body, _ := json.Marshal(map[string]string{"model": req.ModelName})

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodDelete, b.BaseURL()+"/api/delete", bytes.NewReader(body))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	upstream.Header.Set("Content-Type", "application/json")

	resp, err := s.deleteClient.Do(upstream)
	if err != nil {
		s.logger.Error().Err(err).Str("label", b.Label()).Msg("Delete request failed")
		writeError(w, err.Error(), http.StatusInternalServerError)

		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		s.logger.Error().
			Int("status", resp.StatusCode).
			Str("label", b.Label()).
			Msg("Delete rejected by backend")
		writeError(w, fmt.Sprintf("error deleting model %q: %s", req.ModelName, detail), resp.StatusCode)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// resolveBackend looks up the {label} path variable in the capability
// view, answering 404 itself when the label is unknown.
func (s *Server) resolveBackend(w http.ResponseWriter, r *http.Request) (backend.Backend, bool) {
	if s.backends == nil {
		writeError(w, "Backend service not configured", http.StatusServiceUnavailable)
		return nil, false
	}

	label := mux.Vars(r)["label"]

	b, ok := s.backends.Get(label)
	if !ok {
		writeError(w, fmt.Sprintf("Host %q not found", label), http.StatusNotFound)
		return nil, false
	}

	return b, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeStreamError emits a single NDJSON error line on an already-started
// streaming response, where a status code can no longer be changed.
func writeStreamError(w http.ResponseWriter, message string) {
	line, _ := json.Marshal(map[string]string{"error": message})
	_, _ = w.Write(append(line, '\n'))

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func copyFlush(w http.ResponseWriter, r io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}

			if flusher != nil {
				flusher.Flush()
			}
		}

		if err != nil {
			return
		}
	}
}
