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

// Package litellm keeps a LiteLLM-compatible router's model table in
// step with the models actually running on discovered hosts.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

const (
	healthPath      = "/health/liveliness"
	modelNewPath    = "/model/new"
	modelInfoPath   = "/model/info"
	modelDeletePath = "/model/delete"

	requestTimeout = 30 * time.Second

	createdBy = "llmscout"

	// Router timestamps are ISO-8601 UTC with millisecond precision.
	timestampLayout = "2006-01-02T15:04:05.000Z"

	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
	retryMaxElapsed      = 30 * time.Second
)

// apiError carries the router's HTTP status so retries can distinguish
// client mistakes from transient failures.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("router returned status %d: %s", e.status, e.body)
}

// LiteLLMParams is the provider routing block of a router model entry.
type LiteLLMParams struct {
	Model   string `json:"model"`
	APIBase string `json:"api_base"`
}

// ModelInfo is the metadata block of a router model entry.
type ModelInfo struct {
	ID        string `json:"id"`
	Mode      string `json:"mode,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

// ModelEntry is one registered model as the router reports it.
type ModelEntry struct {
	ModelName     string        `json:"model_name"`
	LiteLLMParams LiteLLMParams `json:"litellm_params"`
	ModelInfo     ModelInfo     `json:"model_info"`
}

// Client talks to the router's management API.
type Client struct {
	baseURL   string
	masterKey string
	client    *http.Client
	logger    logger.Logger
}

// NewClient builds a client for the configured router.
func NewClient(cfg *models.RouterConfig, log logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		masterKey: cfg.MasterKey,
		client:    &http.Client{Timeout: requestTimeout},
		logger:    log,
	}
}

// Health asks the router's liveliness endpoint whether it is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("router unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	return nil
}

// WaitHealthy retries the liveliness probe with exponential backoff
// until the router answers or the elapsed budget runs out. Callers treat
// a final failure as non-fatal: sync attempts will surface it again.
func (c *Client) WaitHealthy(ctx context.Context) error {
	operation := func() (struct{}, error) {
		if err := c.Health(ctx); err != nil {
			return struct{}{}, classify(err)
		}

		return struct{}{}, nil
	}

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff()), backoff.WithMaxElapsedTime(retryMaxElapsed)); err != nil {
		return fmt.Errorf("router health: %w", err)
	}

	c.logger.Info().Str("url", c.baseURL).Msg("Router is healthy")

	return nil
}

// CreateModel registers one running model under "<label>-<model>" so the
// router can route completions to its host.
func (c *Client) CreateModel(ctx context.Context, label, model, apiBase string) error {
	now := time.Now().UTC().Format(timestampLayout)
	id := label + "-" + model

	entry := ModelEntry{
		ModelName: id,
		LiteLLMParams: LiteLLMParams{
			Model:   "ollama/" + model,
			APIBase: apiBase,
		},
		ModelInfo: ModelInfo{
			ID:        id,
			Mode:      "completion",
			CreatedAt: now,
			UpdatedAt: now,
			CreatedBy: createdBy,
		},
	}

	operation := func() (struct{}, error) {
		if err := c.post(ctx, modelNewPath, entry); err != nil {
			return struct{}{}, classify(err)
		}

		return struct{}{}, nil
	}

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff()), backoff.WithMaxElapsedTime(retryMaxElapsed)); err != nil {
		return fmt.Errorf("failed to create router model %s: %w", id, err)
	}

	c.logger.Info().Str("model_id", id).Str("api_base", apiBase).Msg("Registered model with router")

	return nil
}

// ModelsForHost lists the router entries that belong to one host label.
func (c *Client) ModelsForHost(ctx context.Context, label string) ([]ModelEntry, error) {
	var decoded struct {
		Data []ModelEntry `json:"data"`
	}

	if err := c.get(ctx, modelInfoPath, &decoded); err != nil {
		return nil, fmt.Errorf("failed to list router models: %w", err)
	}

	prefix := label + "-"
	entries := make([]ModelEntry, 0, len(decoded.Data))

	for _, entry := range decoded.Data {
		if strings.HasPrefix(entry.ModelInfo.ID, prefix) {
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// DeleteModel removes a router entry by its id.
func (c *Client) DeleteModel(ctx context.Context, id string) error {
	operation := func() (struct{}, error) {
		if err := c.post(ctx, modelDeletePath, map[string]string{"id": id}); err != nil {
			return struct{}{}, classify(err)
		}

		return struct{}{}, nil
	}

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff()), backoff.WithMaxElapsedTime(retryMaxElapsed)); err != nil {
		return fmt.Errorf("failed to delete router model %s: %w", id, err)
	}

	c.logger.Info().Str("model_id", id).Msg("Removed model from router")

	return nil
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval

	return bo
}

// classify marks router 4xx responses permanent; everything else is
// worth retrying.
func classify(err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.status >= http.StatusBadRequest && apiErr.status < http.StatusInternalServerError {
		return backoff.Permanent(err)
	}

	return err
}

func (c *Client) get(ctx context.Context, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return readAPIError(resp)
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.masterKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.masterKey)
	}
}

func readAPIError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
}
