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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/carverauto/llmscout/pkg/api"
	"github.com/carverauto/llmscout/pkg/backend"
	"github.com/carverauto/llmscout/pkg/cache"
	"github.com/carverauto/llmscout/pkg/config"
	"github.com/carverauto/llmscout/pkg/discovery"
	"github.com/carverauto/llmscout/pkg/funnel"
	"github.com/carverauto/llmscout/pkg/lifecycle"
	"github.com/carverauto/llmscout/pkg/litellm"
	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
	"github.com/carverauto/llmscout/pkg/scan"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to llmscout config file (optional; environment overrides apply on top)")
	flag.Parse()

	ctx := context.Background()

	// Config loading logs through a default logger; the configured one
	// replaces it below.
	bootLog, err := lifecycle.CreateLogger(ctx, &logger.Config{Level: "info", Output: "stdout"})
	if err != nil {
		return err
	}

	cfg, err := config.Load(ctx, *configPath, bootLog)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = &logger.Config{Level: "info", Output: "stdout"}
	}

	mainLog, err := lifecycle.CreateComponentLogger(ctx, "llmscout", logConfig)
	if err != nil {
		return err
	}

	defer func() {
		if shutdownErr := lifecycle.ShutdownLogger(); shutdownErr != nil {
			log.Printf("Failed to shut down logger: %v", shutdownErr)
		}
	}()

	componentLog := func(component string) (logger.Logger, error) {
		return lifecycle.CreateComponentLogger(ctx, component, logConfig)
	}

	static := make([]*models.Host, 0, len(cfg.Discovery.StaticHosts))

	for _, entry := range cfg.Discovery.StaticHosts {
		host, parseErr := models.ParseStaticHost(entry)
		if parseErr != nil {
			return parseErr
		}

		static = append(static, host)
	}

	backendLog, err := componentLog("backend")
	if err != nil {
		return err
	}

	backends := backend.NewService(backend.KindOllama, backend.Options{
		Timeout: cfg.Discovery.Timeout.Std(),
	}, backendLog)

	apiLog, err := componentLog("api")
	if err != nil {
		return err
	}

	hub := api.NewHub(apiLog)

	discoveryLog, err := componentLog("discovery")
	if err != nil {
		return err
	}

	registry := discovery.NewRegistry(static, discoveryLog,
		discovery.WithRefreshHook(backends.Refresh),
		discovery.WithEventSink(hub))

	scanLog, err := componentLog("scan")
	if err != nil {
		return err
	}

	prober := scan.NewProber(cfg.Discovery.Port, cfg.Discovery.Timeout.Std(), scanLog)
	sweeper := scan.NewSweeper(prober, cfg.Discovery.MaxParallel, scanLog)
	manager := discovery.NewManager(&cfg.Discovery, sweeper, registry, discoveryLog)

	cacheLog, err := componentLog("cache")
	if err != nil {
		return err
	}

	statusCache := cache.NewStatusCache(cacheLog)

	var router *litellm.Client

	if cfg.Router != nil {
		routerLog, logErr := componentLog("litellm")
		if logErr != nil {
			return logErr
		}

		router = litellm.NewClient(cfg.Router, routerLog)

		// Startup health is advisory: sync attempts surface a down
		// router again on every refresh.
		go func() {
			if healthErr := router.WaitHealthy(ctx); healthErr != nil {
				routerLog.Warn().Err(healthErr).Msg("Router not healthy at startup")
			}
		}()
	}

	funnelLog, err := componentLog("funnel")
	if err != nil {
		return err
	}

	controller := funnel.NewController(&cfg.Funnel, nil, funnelLog)

	refresh := func(refreshCtx context.Context) error {
		statuses := backends.Statuses(refreshCtx)
		statusCache.Update(statuses)

		if router != nil {
			router.Sync(refreshCtx, statuses)
		}

		return nil
	}

	server := api.NewServer(cfg.API, apiLog,
		api.WithDiscovery(manager),
		api.WithFunnel(controller),
		api.WithStatusSource(statusCache),
		api.WithBackends(backends),
		api.WithHub(hub))

	mainLog.Info().
		Strs("ranges", cfg.Discovery.CIDRRanges).
		Int("static_hosts", len(static)).
		Str("listen_addr", cfg.API.ListenAddr).
		Bool("router", router != nil).
		Msg("Starting llmscout")

	return lifecycle.Run(ctx, &lifecycle.Options{
		ServiceName: "llmscout",
		Services: []lifecycle.Service{
			manager,
			&funnelService{controller: controller, refresh: refresh},
			server,
		},
		Logger: mainLog,
	})
}

// funnelService adapts the controller's Start(ctx, refresh) signature to
// the lifecycle runner.
type funnelService struct {
	controller *funnel.Controller
	refresh    funnel.RefreshFunc
}

func (f *funnelService) Start(ctx context.Context) error {
	return f.controller.Start(ctx, f.refresh)
}

func (f *funnelService) Stop(_ context.Context) error {
	f.controller.Stop()
	return nil
}
