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

package models

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/carverauto/llmscout/pkg/logger"
)

var (
	errCIDRRangesRequired = fmt.Errorf("discovery cidr_ranges is required")
	errInvalidCIDR        = fmt.Errorf("invalid CIDR range")
	errInvalidInterval    = fmt.Errorf("discovery interval must be at least 1s")
	errInvalidMaxParallel = fmt.Errorf("discovery max_parallel must be at least 1")
	errInvalidTimeout     = fmt.Errorf("discovery timeout must be positive")
	errInvalidPort        = fmt.Errorf("discovery port must be between 1 and 65535")
	errInvalidWindow      = fmt.Errorf("funnel window must be positive")
	errInvalidThreshold   = fmt.Errorf("funnel tick_threshold must be at least 1")
	errInvalidMaxCycles   = fmt.Errorf("funnel max_cycles must be at least 1")
	errRouterURLRequired  = fmt.Errorf("router url is required when router is configured")
)

const (
	defaultInterval    = 60 * time.Second
	defaultMaxParallel = 10
	defaultTimeout     = 2 * time.Second
	defaultPort        = 11434

	defaultFunnelWindow  = 5 * time.Second
	defaultTickThreshold = 4
	defaultMaxCycles     = 12

	defaultListenAddr = ":8000"

	maxPort = 65535
)

// CoreServiceConfig is the top-level daemon configuration. Field defaults
// and validation live in pkg/config.
type CoreServiceConfig struct {
	Discovery DiscoveryConfig `json:"discovery"`
	Funnel    FunnelConfig    `json:"funnel"`
	API       APIConfig       `json:"api"`
	Router    *RouterConfig   `json:"router,omitempty"`
	Logging   *logger.Config  `json:"logging,omitempty"`
}

// DiscoveryConfig controls the network sweep: which ranges to scan, how
// often, how hard, and which port to probe.
type DiscoveryConfig struct {
	CIDRRanges  []string `json:"cidr_ranges"`
	Interval    Duration `json:"interval"`
	MaxParallel int      `json:"max_parallel"`
	Timeout     Duration `json:"timeout"`
	Port        int      `json:"port"`
	// StaticHosts are "ip" or "ip:port" entries registered as predefined
	// hosts before the first sweep. They are never removed from the
	// registry, only marked offline while unreachable.
	StaticHosts []string `json:"static_hosts,omitempty"`
}

// FunnelConfig controls the adaptive poll controller: window length,
// ticks per window that force a refresh, and the windows-without-refresh
// ceiling.
type FunnelConfig struct {
	Window        Duration `json:"window"`
	TickThreshold int      `json:"tick_threshold"`
	MaxCycles     int      `json:"max_cycles"`
}

// CORSConfig defines allowed origins for browser clients.
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowCredentials bool     `json:"allow_credentials"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	ListenAddr   string     `json:"listen_addr"`
	CORS         CORSConfig `json:"cors"`
	TrustedHosts []string   `json:"trusted_hosts,omitempty"`
	APIKey       string     `json:"api_key,omitempty"`
}

// RouterConfig points at an optional LiteLLM-compatible router that
// discovered models are synchronized into.
type RouterConfig struct {
	URL       string `json:"url"`
	MasterKey string `json:"master_key,omitempty"`
}

// Validate implements config.Validator. It applies defaults to unset
// fields and rejects values the daemon cannot run with.
func (c *CoreServiceConfig) Validate() error {
	if err := c.Discovery.Validate(); err != nil {
		return err
	}

	if err := c.Funnel.Validate(); err != nil {
		return err
	}

	c.API.applyDefaults()

	if c.Router != nil {
		if c.Router.URL == "" {
			return errRouterURLRequired
		}

		c.Router.URL = strings.TrimRight(c.Router.URL, "/")
	}

	return nil
}

// Validate normalizes CIDR ranges to network form and applies defaults.
func (c *DiscoveryConfig) Validate() error {
	if len(c.CIDRRanges) == 0 {
		return errCIDRRangesRequired
	}

	for i, cidr := range c.CIDRRanges {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return fmt.Errorf("%w: %q: %w", errInvalidCIDR, cidr, err)
		}

		c.CIDRRanges[i] = network.String()
	}

	if c.Interval == 0 {
		c.Interval = Duration(defaultInterval)
	}

	if c.Interval.Std() < time.Second {
		return errInvalidInterval
	}

	if c.MaxParallel == 0 {
		c.MaxParallel = defaultMaxParallel
	}

	if c.MaxParallel < 1 {
		return errInvalidMaxParallel
	}

	if c.Timeout == 0 {
		c.Timeout = Duration(defaultTimeout)
	}

	if c.Timeout.Std() <= 0 {
		return errInvalidTimeout
	}

	if c.Port == 0 {
		c.Port = defaultPort
	}

	if c.Port < 1 || c.Port > maxPort {
		return errInvalidPort
	}

	for _, entry := range c.StaticHosts {
		if _, err := ParseStaticHost(entry); err != nil {
			return err
		}
	}

	return nil
}

// Validate applies defaults and bounds-checks the controller settings.
func (c *FunnelConfig) Validate() error {
	if c.Window == 0 {
		c.Window = Duration(defaultFunnelWindow)
	}

	if c.Window.Std() <= 0 {
		return errInvalidWindow
	}

	if c.TickThreshold == 0 {
		c.TickThreshold = defaultTickThreshold
	}

	if c.TickThreshold < 1 {
		return errInvalidThreshold
	}

	if c.MaxCycles == 0 {
		c.MaxCycles = defaultMaxCycles
	}

	if c.MaxCycles < 1 {
		return errInvalidMaxCycles
	}

	return nil
}

func (c *APIConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}

	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}
	}

	if len(c.TrustedHosts) == 0 {
		c.TrustedHosts = []string{"localhost", "127.0.0.1"}
	}
}
