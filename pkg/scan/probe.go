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

package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

// statusPath is the endpoint that identifies an Ollama server; the
// response must be a JSON object carrying a "models" key.
const statusPath = "/api/ps"

const (
	defaultProbeTimeout = 2 * time.Second
	defaultProbePort    = 11434
)

// Prober confirms whether a candidate address runs an Ollama server. A
// probe is two-stage and fail-fast: a TCP connect to the target port,
// then a status request that must return 200 with the expected body
// shape. Confirmed hosts get a best-effort reverse DNS lookup.
type Prober struct {
	port     int
	timeout  time.Duration
	client   *http.Client
	resolver *net.Resolver
	logger   logger.Logger
}

// NewProber returns a Prober for the given target port. The timeout
// bounds each probe stage separately.
func NewProber(port int, timeout time.Duration, log logger.Logger) *Prober {
	if port == 0 {
		port = defaultProbePort
	}

	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	return &Prober{
		port:     port,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		resolver: net.DefaultResolver,
		logger:   log,
	}
}

// Probe checks a single address and returns the confirmed host, or
// (nil, nil) when the address does not run Ollama. Only context
// cancellation is reported as an error; everything else is absence.
func (p *Prober) Probe(ctx context.Context, ip string) (*models.Host, error) {
	if !p.portOpen(ctx, ip) {
		return nil, ctx.Err()
	}

	if !p.validateAPI(ctx, ip) {
		return nil, ctx.Err()
	}

	host := &models.Host{
		IP:       ip,
		Port:     p.port,
		Hostname: p.resolveHostname(ctx, ip),
		LastSeen: time.Now(),
		IsOnline: true,
	}

	p.logger.Info().
		Str("ip", host.IP).
		Int("port", host.Port).
		Str("hostname", host.Hostname).
		Msg("Discovered Ollama host")

	return host, nil
}

// portOpen attempts a TCP connect and closes the connection right away.
func (p *Prober) portOpen(ctx context.Context, ip string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var dialer net.Dialer

	conn, err := dialer.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", ip, p.port))
	if err != nil {
		return false
	}

	if err := conn.Close(); err != nil {
		p.logger.Debug().Err(err).Str("ip", ip).Msg("Failed to close probe connection")
	}

	return true
}

// validateAPI confirms the open port actually speaks the Ollama API.
func (p *Prober) validateAPI(ctx context.Context, ip string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d%s", ip, p.port, statusPath)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			p.logger.Debug().Err(err).Str("ip", ip).Msg("Failed to close probe response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		p.logger.Debug().
			Str("ip", ip).
			Int("status", resp.StatusCode).
			Msg("Status endpoint rejected candidate")

		return false
	}

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false
	}

	_, ok := payload["models"]

	return ok
}

// resolveHostname attempts reverse DNS for the address. Failures are
// expected on networks without PTR records and never fail the probe.
func (p *Prober) resolveHostname(ctx context.Context, ip string) string {
	dnsCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	names, err := p.resolver.LookupAddr(dnsCtx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}

	return strings.TrimSuffix(names[0], ".")
}
