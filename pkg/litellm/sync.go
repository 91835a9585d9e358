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

package litellm

import (
	"context"
	"fmt"
	"strings"

	"github.com/carverauto/llmscout/pkg/models"
)

// Sync reconciles the router's model table against a capability
// snapshot: models running on a host but missing from the router are
// registered, and router entries for models the host no longer runs are
// removed. Failures are logged per entry so one bad host cannot stall
// the rest of the snapshot.
func (c *Client) Sync(ctx context.Context, statuses map[string]models.ProcessStatus) {
	for label, status := range statuses {
		c.syncHost(ctx, label, status)
	}
}

func (c *Client) syncHost(ctx context.Context, label string, status models.ProcessStatus) {
	entries, err := c.ModelsForHost(ctx, label)
	if err != nil {
		c.logger.Error().Err(err).Str("label", label).Msg("Failed to list router models for host")
		return
	}

	// Entry ids are "<label>-<model>"; strip the prefix to compare
	// against what the host reports.
	registered := make(map[string]string, len(entries))
	for _, entry := range entries {
		registered[strings.TrimPrefix(entry.ModelInfo.ID, label+"-")] = entry.ModelInfo.ID
	}

	running := make(map[string]struct{}, len(status.Models))
	apiBase := fmt.Sprintf("http://%s:%d", status.IP, status.Port)

	for _, model := range status.Models {
		running[model.Name] = struct{}{}

		if _, ok := registered[model.Name]; ok {
			continue
		}

		if err := c.CreateModel(ctx, label, model.Name, apiBase); err != nil {
			c.logger.Error().Err(err).
				Str("label", label).
				Str("model", model.Name).
				Msg("Failed to register model with router")
		}
	}

	for model, id := range registered {
		if _, ok := running[model]; ok {
			continue
		}

		if err := c.DeleteModel(ctx, id); err != nil {
			c.logger.Error().Err(err).Str("model_id", id).Msg("Failed to remove router model")
		}
	}
}
