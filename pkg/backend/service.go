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

package backend

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

const statusProbeConcurrency = 8

// Service is the capability view: a label-keyed map of backends rebuilt
// from registry snapshots. Refresh runs on the registry's refresh hook,
// so every registry mutation is reflected here before the next reader.
type Service struct {
	mu       sync.RWMutex
	backends map[string]Backend

	kind   Kind
	opts   Options
	logger logger.Logger
}

// NewService builds an empty capability view that constructs backends of
// the given kind.
func NewService(kind Kind, opts Options, log logger.Logger) *Service {
	if opts.Logger == nil {
		opts.Logger = log
	}

	return &Service{
		backends: make(map[string]Backend),
		kind:     kind,
		opts:     opts,
		logger:   log,
	}
}

// Refresh rebuilds the view from a registry snapshot. Offline entries are
// kept: their status probes report them offline, which is itself signal.
// When two hosts derive the same label the last one wins.
func (s *Service) Refresh(hosts []models.Host) {
	backends := make(map[string]Backend, len(hosts))

	for i := range hosts {
		b, err := New(s.kind, hosts[i], s.opts)
		if err != nil {
			s.logger.Error().Err(err).Str("ip", hosts[i].IP).Msg("Failed to build backend")
			continue
		}

		if prev, ok := backends[b.Label()]; ok {
			s.logger.Warn().
				Str("label", b.Label()).
				Str("replaced_ip", prev.Host().IP).
				Str("kept_ip", hosts[i].IP).
				Msg("Backend label collision")
		}

		backends[b.Label()] = b
	}

	s.mu.Lock()
	s.backends = backends
	s.mu.Unlock()

	s.logger.Debug().Int("backends", len(backends)).Msg("Capability view refreshed")
}

// Statuses probes every backend with a bounded fan-out and returns the
// results keyed by label, each stamped with the backend's address.
func (s *Service) Statuses(ctx context.Context) map[string]models.ProcessStatus {
	s.mu.RLock()

	backends := make([]Backend, 0, len(s.backends))
	for _, b := range s.backends {
		backends = append(backends, b)
	}
	s.mu.RUnlock()

	statuses := make(map[string]models.ProcessStatus, len(backends))

	var resultMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(statusProbeConcurrency)

	for _, b := range backends {
		g.Go(func() error {
			status := b.Status(ctx)

			host := b.Host()
			status.IP = host.IP
			status.Port = host.Port

			resultMu.Lock()
			statuses[b.Label()] = status
			resultMu.Unlock()

			return nil
		})
	}

	// Status never returns an error, so Wait only orders the writes.
	_ = g.Wait()

	return statuses
}

// Get returns the backend registered under label.
func (s *Service) Get(label string) (Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.backends[label]

	return b, ok
}

// Labels returns the registered labels in sorted order.
func (s *Service) Labels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	labels := make([]string, 0, len(s.backends))
	for label := range s.backends {
		labels = append(labels, label)
	}

	sort.Strings(labels)

	return labels
}
