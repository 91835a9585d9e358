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

package discovery

import "context"

// consume is the single consumer loop: every queued event is merged into
// the registry and then acknowledged, keeping the drain accounting exact.
// It runs for the life of the manager and exits only on cancellation.
func (m *Manager) consume(ctx context.Context) {
	m.logger.Debug().Msg("Discovery consumer started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug().Msg("Discovery consumer stopped")
			return
		case host := <-m.queue.Events():
			m.registry.Merge(host)
			m.queue.Done()
		}
	}
}
