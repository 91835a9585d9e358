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

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

const (
	defaultBackendTimeout = 5 * time.Second

	psPath      = "/api/ps"
	versionPath = "/api/version"
	tagsPath    = "/api/tags"
)

var errUnexpectedStatus = fmt.Errorf("unexpected response status")

// ollama talks to a single Ollama server over its native HTTP API.
type ollama struct {
	host    models.Host
	label   string
	baseURL string
	client  *http.Client
	logger  logger.Logger
}

func newOllama(host models.Host, opts Options) *ollama {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultBackendTimeout
	}

	return &ollama{
		host:    host,
		label:   ollamaLabel(host),
		baseURL: host.URL(),
		client:  &http.Client{Timeout: timeout},
		logger:  opts.Logger,
	}
}

// ollamaLabel prefers the hostname; without one the label is derived
// from the IP with separators flattened so it stays URL-safe.
func ollamaLabel(host models.Host) string {
	if host.Hostname != "" {
		return host.Hostname
	}

	return "ollama-" + strings.NewReplacer(".", "-", ":", "-").Replace(host.IP)
}

func (o *ollama) Label() string { return o.label }

func (o *ollama) Host() models.Host { return o.host }

func (o *ollama) BaseURL() string { return o.baseURL }

// Status asks the server which models are loaded and, best effort, which
// version it runs. Any failure yields an offline status rather than an
// error so one dead host cannot poison a capability sweep.
func (o *ollama) Status(ctx context.Context) models.ProcessStatus {
	var payload struct {
		Models []models.Model `json:"models"`
	}

	if err := o.getJSON(ctx, psPath, &payload); err != nil {
		o.logger.Warn().Err(err).Str("url", o.baseURL).Msg("Backend status probe failed")

		return models.ProcessStatus{Models: []models.Model{}, IsOnline: false}
	}

	status := models.ProcessStatus{
		Models:   payload.Models,
		IsOnline: true,
		Version:  o.version(ctx),
	}

	if status.Models == nil {
		status.Models = []models.Model{}
	}

	o.logger.Debug().
		Str("url", o.baseURL).
		Int("models", len(status.Models)).
		Str("version", status.Version).
		Msg("Backend status probe complete")

	return status
}

func (o *ollama) version(ctx context.Context) string {
	var payload struct {
		Version string `json:"version"`
	}

	if err := o.getJSON(ctx, versionPath, &payload); err != nil {
		o.logger.Debug().Err(err).Str("url", o.baseURL).Msg("Version lookup failed")

		return ""
	}

	return payload.Version
}

// Tags lists the model names installed on the server.
func (o *ollama) Tags(ctx context.Context) ([]string, error) {
	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}

	if err := o.getJSON(ctx, tagsPath, &payload); err != nil {
		return nil, fmt.Errorf("failed to list models on %s: %w", o.baseURL, err)
	}

	names := make([]string, 0, len(payload.Models))
	for _, model := range payload.Models {
		names = append(names, model.Name)
	}

	return names, nil
}

func (o *ollama) getJSON(ctx context.Context, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
