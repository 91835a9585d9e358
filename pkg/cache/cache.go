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

// Package cache holds the latest capability probe results so polling
// clients read a shared snapshot instead of re-probing every host.
package cache

import (
	"sync"
	"time"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

// StatusCache is the label-keyed snapshot of backend statuses written by
// the poll funnel and read by the API.
type StatusCache struct {
	mu        sync.RWMutex
	endpoints map[string]models.ProcessStatus
	updatedAt time.Time
	logger    logger.Logger
}

// NewStatusCache returns an empty cache.
func NewStatusCache(log logger.Logger) *StatusCache {
	return &StatusCache{
		endpoints: make(map[string]models.ProcessStatus),
		logger:    log,
	}
}

// Update replaces the snapshot. The cache takes ownership of the map.
func (c *StatusCache) Update(statuses map[string]models.ProcessStatus) {
	c.mu.Lock()
	c.endpoints = statuses
	c.updatedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug().Int("endpoints", len(statuses)).Msg("Status cache updated")
}

// Get returns a copy of the snapshot plus the time it was written. A
// zero time means no refresh has completed yet.
func (c *StatusCache) Get() (map[string]models.ProcessStatus, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	endpoints := make(map[string]models.ProcessStatus, len(c.endpoints))
	for label, status := range c.endpoints {
		endpoints[label] = status
	}

	return endpoints, c.updatedAt
}
