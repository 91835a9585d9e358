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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

// Environment variables recognized by applyEnvOverrides. Values here win
// over file-provided values.
const (
	envCIDRRanges  = "DISCOVERY_CIDR_RANGES"
	envInterval    = "DISCOVERY_INTERVAL_SECONDS"
	envMaxParallel = "DISCOVERY_MAX_PARALLEL"
	envTimeout     = "DISCOVERY_TIMEOUT_SECONDS"
	envPort        = "DISCOVERY_PORT"
	envStaticHosts = "OLLAMA_HOSTS"

	envListenAddr     = "LISTEN_ADDR"
	envAPIKey         = "API_KEY"
	envAllowedOrigins = "ALLOWED_ORIGINS"
	envTrustedHosts   = "TRUSTED_HOSTS"

	envRouterURL = "LITELLM_URL"
	envRouterKey = "LITELLM_MASTER_KEY"

	envFunnelWindow    = "FUNNEL_WINDOW_SECONDS"
	envFunnelThreshold = "FUNNEL_TICK_THRESHOLD"
	envFunnelMaxCycles = "FUNNEL_MAX_CYCLES"
)

func applyEnvOverrides(cfg *models.CoreServiceConfig, log logger.Logger) error {
	setStringSlice(envCIDRRanges, &cfg.Discovery.CIDRRanges)

	if err := setSeconds(envInterval, &cfg.Discovery.Interval); err != nil {
		return err
	}

	if err := setInt(envMaxParallel, &cfg.Discovery.MaxParallel); err != nil {
		return err
	}

	if err := setSeconds(envTimeout, &cfg.Discovery.Timeout); err != nil {
		return err
	}

	if err := setInt(envPort, &cfg.Discovery.Port); err != nil {
		return err
	}

	applyStaticHosts(cfg, log)

	setString(envListenAddr, &cfg.API.ListenAddr)
	setString(envAPIKey, &cfg.API.APIKey)
	setStringSlice(envAllowedOrigins, &cfg.API.CORS.AllowedOrigins)
	setStringSlice(envTrustedHosts, &cfg.API.TrustedHosts)

	applyRouter(cfg, log)

	if err := setSeconds(envFunnelWindow, &cfg.Funnel.Window); err != nil {
		return err
	}

	if err := setInt(envFunnelThreshold, &cfg.Funnel.TickThreshold); err != nil {
		return err
	}

	return setInt(envFunnelMaxCycles, &cfg.Funnel.MaxCycles)
}

// applyStaticHosts parses OLLAMA_HOSTS as comma-separated ip:port pairs.
// A malformed value disables the override rather than aborting startup,
// matching how predefined hosts are treated as a best-effort seed.
func applyStaticHosts(cfg *models.CoreServiceConfig, log logger.Logger) {
	raw := os.Getenv(envStaticHosts)
	if raw == "" {
		return
	}

	entries := splitAndTrim(raw)

	for _, entry := range entries {
		if _, err := models.ParseStaticHost(entry); err != nil {
			log.Error().Err(err).Str("env", envStaticHosts).Msg("Ignoring predefined hosts")
			return
		}
	}

	cfg.Discovery.StaticHosts = entries
}

// applyRouter configures the model router only when both the URL and the
// master key are present.
func applyRouter(cfg *models.CoreServiceConfig, log logger.Logger) {
	url := os.Getenv(envRouterURL)
	key := os.Getenv(envRouterKey)

	if url == "" && key == "" {
		return
	}

	if url == "" || key == "" {
		log.Warn().Msg("Router not configured: LITELLM_URL and LITELLM_MASTER_KEY must both be set")
		return
	}

	cfg.Router = &models.RouterConfig{
		URL:       strings.TrimRight(url, "/"),
		MasterKey: key,
	}
}

func setString(envName string, dst *string) {
	if v := os.Getenv(envName); v != "" {
		*dst = v
	}
}

func setStringSlice(envName string, dst *[]string) {
	v := os.Getenv(envName)
	if v == "" {
		return
	}

	if entries := splitAndTrim(v); len(entries) > 0 {
		*dst = entries
	}
}

func setInt(envName string, dst *int) error {
	v := os.Getenv(envName)
	if v == "" {
		return nil
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer value for %s: %w", envName, err)
	}

	*dst = i

	return nil
}

// setSeconds parses a numeric value as a number of seconds, the unit the
// *_SECONDS environment variables are expressed in.
func setSeconds(envName string, dst *models.Duration) error {
	v := os.Getenv(envName)
	if v == "" {
		return nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid float value for %s: %w", envName, err)
	}

	*dst = models.Duration(f * float64(time.Second))

	return nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	entries := make([]string, 0, len(parts))

	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			entries = append(entries, trimmed)
		}
	}

	return entries
}
