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

// Package api provides the HTTP API server for llmscout: registry and
// status queries, streaming proxies to individual backends, and the
// WebSocket event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	scouthttp "github.com/carverauto/llmscout/pkg/http"
	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

const readHeaderTimeout = 10 * time.Second

// Server is the llmscout HTTP API. Collaborators are injected through
// options; handlers degrade to 503 when one they need is absent.
type Server struct {
	config models.APIConfig
	router *mux.Router
	logger logger.Logger

	discovery DiscoveryService
	funnel    TickSink
	statuses  StatusSource
	backends  BackendResolver
	hub       *Hub

	// streamClient carries no timeout: pull and chat proxies stream for
	// as long as the upstream does. Context cancellation still applies.
	streamClient *http.Client
	deleteClient *http.Client

	httpServer *http.Server
}

// NewServer creates the API server and wires its routes.
func NewServer(config models.APIConfig, log logger.Logger, options ...func(*Server)) *Server {
	s := &Server{
		config:       config,
		router:       mux.NewRouter(),
		logger:       log,
		streamClient: &http.Client{},
		deleteClient: &http.Client{Timeout: deleteTimeout},
	}

	for _, o := range options {
		o(s)
	}

	s.setupRoutes()

	return s
}

// WithDiscovery attaches the discovery manager the health and host
// endpoints read from.
func WithDiscovery(d DiscoveryService) func(*Server) {
	return func(s *Server) {
		s.discovery = d
	}
}

// WithFunnel attaches the adaptive poll controller behind POST /llmm/tick.
func WithFunnel(f TickSink) func(*Server) {
	return func(s *Server) {
		s.funnel = f
	}
}

// WithStatusSource attaches the cache GET /llmm serves from.
func WithStatusSource(src StatusSource) func(*Server) {
	return func(s *Server) {
		s.statuses = src
	}
}

// WithBackends attaches the capability view the proxy handlers resolve
// labels against.
func WithBackends(b BackendResolver) func(*Server) {
	return func(s *Server) {
		s.backends = b
	}
}

// WithHub attaches the WebSocket event hub. The same hub is normally
// registered as the registry's event sink.
func WithHub(h *Hub) func(*Server) {
	return func(s *Server) {
		s.hub = h
	}
}

func (s *Server) setupRoutes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return scouthttp.CommonMiddleware(next, s.config.CORS, s.logger)
	})
	s.router.Use(scouthttp.TrustedHostMiddleware(s.config.TrustedHosts, s.logger))

	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	llmm := s.router.PathPrefix("/llmm").Subrouter()

	if s.config.APIKey != "" {
		llmm.Use(scouthttp.APIKeyMiddlewareWithOptions(scouthttp.APIKeyOptions{
			APIKey: s.config.APIKey,
			// The WebSocket handshake cannot carry the header from a
			// browser; the events handler accepts the key as a query
			// parameter, which the middleware already honors.
			LogUnauthorized: true,
			Logger:          s.logger,
		}))
	}

	llmm.HandleFunc("", s.handleStatus).Methods(http.MethodGet)
	llmm.HandleFunc("/tick", s.handleTick).Methods(http.MethodPost)
	llmm.HandleFunc("/hosts", s.handleAllHosts).Methods(http.MethodGet)
	llmm.HandleFunc("/hosts/online", s.handleOnlineHosts).Methods(http.MethodGet)
	llmm.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	llmm.HandleFunc("/{label}/models", s.handleModels).Methods(http.MethodGet)
	llmm.HandleFunc("/{label}/pull", s.handlePull).Methods(http.MethodPost)
	llmm.HandleFunc("/{label}/chat", s.handleChat).Methods(http.MethodPost)
	llmm.HandleFunc("/{label}/delete", s.handleDelete).Methods(http.MethodDelete)
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("API server listening")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop shuts the listener down, letting in-flight requests finish within
// ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}
