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
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

func TestHub_PublishReachesRegisteredClient(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())

	client := hub.register()
	defer hub.unregister(client)

	hub.Publish(models.HostEvent{
		Type:      models.HostDiscovered,
		Host:      models.Host{IP: "10.0.0.5", Port: 11434},
		Timestamp: time.Now(),
	})

	select {
	case msg := <-client.send:
		assert.Equal(t, "data", msg.Type)
	default:
		t.Fatal("expected a buffered message")
	}
}

func TestHub_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())

	client := hub.register()
	defer hub.unregister(client)

	event := models.HostEvent{Type: models.HostOnline, Host: models.Host{IP: "10.0.0.5"}}

	// Overfill the client's buffer; every Publish must return.
	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := 0; i < clientSendDepth*2; i++ {
			hub.Publish(event)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow client")
	}

	assert.Len(t, client.send, clientSendDepth)
}

func TestHub_UnregisterRemovesClient(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())

	client := hub.register()
	require.Equal(t, 1, hub.ClientCount())

	hub.unregister(client)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHandleEvents_StreamsRegistryTransitions(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	s := NewServer(testConfig(), logger.NewTestLogger(), WithHub(hub))

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/llmm/events"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	defer resp.Body.Close()
	defer conn.Close()

	// The hub registers the client inside the handler goroutine.
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(models.HostEvent{
		Type:      models.HostOffline,
		Host:      models.Host{IP: "192.168.1.5", Port: 11434, Predefined: true},
		Timestamp: time.Now(),
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, "data", msg.Type)

	raw, err := json.Marshal(msg.Data)
	require.NoError(t, err)

	var event models.HostEvent
	require.NoError(t, json.Unmarshal(raw, &event))
	assert.Equal(t, models.HostOffline, event.Type)
	assert.Equal(t, "192.168.1.5", event.Host.IP)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckWebSocketOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	s := NewServer(cfg, logger.NewTestLogger())

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin accepted", "", true},
		{"allowed origin", "http://localhost:3000", true},
		{"disallowed origin", "http://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/llmm/events", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}

			assert.Equal(t, tt.want, s.checkWebSocketOrigin(r))
		})
	}
}
