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
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

const (
	pingInterval    = 30 * time.Second
	writeWait       = 10 * time.Second
	clientSendDepth = 16
)

// StreamMessage frames everything sent over the events WebSocket.
type StreamMessage struct {
	Type      string      `json:"type"` // "data", "ping", "error"
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type streamClient struct {
	id   string
	send chan StreamMessage
}

// Hub fans registry transition events out to connected WebSocket clients.
// It implements discovery.EventSink; Publish never blocks — a client that
// cannot keep up loses events rather than stalling the registry.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*streamClient
	logger  logger.Logger
}

// NewHub returns an empty hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*streamClient),
		logger:  log,
	}
}

// Publish delivers a registry transition to every connected client.
func (h *Hub) Publish(event models.HostEvent) {
	msg := StreamMessage{
		Type:      "data",
		Data:      event,
		Timestamp: time.Now(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, client := range h.clients {
		select {
		case client.send <- msg:
		default:
			h.logger.Warn().Str("client_id", id).Msg("Dropping event for slow WebSocket client")
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

func (h *Hub) register() *streamClient {
	client := &streamClient{
		id:   uuid.New().String(),
		send: make(chan StreamMessage, clientSendDepth),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().Str("client_id", client.id).Int("clients", total).Msg("WebSocket client connected")

	return client
}

func (h *Hub) unregister(client *streamClient) {
	h.mu.Lock()
	delete(h.clients, client.id)
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().Str("client_id", client.id).Int("clients", total).Msg("WebSocket client disconnected")
}

// handleEvents upgrades the connection and streams registry transitions
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, "Event hub not configured", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkWebSocketOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("origin", r.Header.Get("Origin")).
			Msg("Failed to upgrade to WebSocket")

		return
	}

	defer conn.Close()

	client := s.hub.register()
	defer s.hub.unregister(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends application data; the read loop exists to
	// notice the close handshake.
	go func() {
		defer cancel()

		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-client.send:
			if err := writeMessage(conn, msg); err != nil {
				s.logger.Debug().Err(err).Str("client_id", client.id).Msg("WebSocket write failed")
				return
			}
		case <-ping.C:
			if err := writeMessage(conn, StreamMessage{Type: "ping", Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg StreamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return conn.WriteJSON(msg)
}

// checkWebSocketOrigin mirrors the CORS allowlist. Requests without an
// Origin header (non-browser clients) are accepted.
func (s *Server) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range s.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	s.logger.Warn().
		Str("origin", origin).
		Str("remote_addr", r.RemoteAddr).
		Msg("Rejected WebSocket origin")

	return false
}
