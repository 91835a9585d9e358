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
	"time"

	"github.com/carverauto/llmscout/pkg/backend"
	"github.com/carverauto/llmscout/pkg/models"
)

// DiscoveryService is the slice of the discovery manager the API reads.
// *discovery.Manager is the production implementation.
type DiscoveryService interface {
	Stats() models.DiscoveryStats
	OnlineHosts() []models.Host
	AllHosts() []models.Host
}

// TickSink accepts client activity signals. *funnel.Controller is the
// production implementation.
type TickSink interface {
	Tick(ctx context.Context)
}

// StatusSource serves the latest capability snapshot. *cache.StatusCache
// is the production implementation.
type StatusSource interface {
	Get() (map[string]models.ProcessStatus, time.Time)
}

// BackendResolver maps labels to backends for the proxy handlers.
// *backend.Service is the production implementation.
type BackendResolver interface {
	Get(label string) (backend.Backend, bool)
}
