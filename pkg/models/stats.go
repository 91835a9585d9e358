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

// DiscoveryStats is a best-effort snapshot of the discovery manager. It
// is assembled from atomics and immutable configuration, so readers never
// contend with the registry lock; counts may lag concurrent mutation.
type DiscoveryStats struct {
	Running         bool     `json:"running"`
	Phase           string   `json:"phase"`
	TotalHosts      int64    `json:"total_hosts"`
	OnlineHosts     int64    `json:"online_hosts"`
	PredefinedHosts int64    `json:"predefined_hosts"`
	CIDRRanges      []string `json:"cidr_ranges"`
	IntervalSeconds float64  `json:"interval_seconds"`
}
