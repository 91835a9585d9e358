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

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

// Registry is the canonical map of known hosts, keyed by IP. Entries are
// never deleted: predefined hosts stay for the life of the process and
// discovered hosts are only flipped offline when a pass no longer sees
// them. All mutation happens under one mutex; counts are kept in atomics
// so stats readers never contend with it.
type Registry struct {
	mu      sync.Mutex
	hosts   map[string]*models.Host
	refresh func(hosts []models.Host)
	sink    EventSink
	logger  logger.Logger

	total      atomic.Int64
	online     atomic.Int64
	predefined atomic.Int64
}

// Option configures optional registry collaborators.
type Option func(*Registry)

// WithRefreshHook installs fn, invoked with a full snapshot while the
// registry lock is held, after every applied mutation. The capability
// view hangs off this hook.
func WithRefreshHook(fn func(hosts []models.Host)) Option {
	return func(r *Registry) {
		r.refresh = fn
	}
}

// WithEventSink installs the sink that receives transition events.
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) {
		r.sink = sink
	}
}

// NewRegistry seeds a registry with the predefined hosts. Predefined
// entries start offline with a zero last-seen until a sweep confirms
// them.
func NewRegistry(static []*models.Host, log logger.Logger, opts ...Option) *Registry {
	r := &Registry{
		hosts:  make(map[string]*models.Host, len(static)),
		logger: log,
	}

	for _, opt := range opts {
		opt(r)
	}

	for _, host := range static {
		if host == nil || host.IP == "" {
			continue
		}

		h := *host
		h.Predefined = true
		h.IsOnline = false
		r.hosts[h.IP] = &h
	}

	r.total.Store(int64(len(r.hosts)))
	r.predefined.Store(int64(len(r.hosts)))

	if len(r.hosts) > 0 {
		log.Info().Int("predefined", len(r.hosts)).Msg("Registry seeded with predefined hosts")
	}

	r.mu.Lock()
	r.refreshLocked()
	r.mu.Unlock()

	return r
}

// Merge applies one confirmed host. The record key is the IP alone; the
// port only takes part in change detection and never moves a predefined
// entry. Hostname is kept when the event does not carry one.
func (r *Registry) Merge(host models.Host) {
	var event *models.HostEvent

	r.mu.Lock()

	if entry, ok := r.hosts[host.IP]; ok {
		cameOnline := !entry.IsOnline

		entry.IsOnline = true
		entry.LastSeen = host.LastSeen

		if host.Hostname != "" {
			entry.Hostname = host.Hostname
		}

		if !entry.Predefined && host.Port != 0 && host.Port != entry.Port {
			entry.Port = host.Port
		}

		if cameOnline {
			r.online.Add(1)
			event = transition(models.HostOnline, *entry)

			r.logger.Info().Str("ip", entry.IP).Msg("Host back online")
		}
	} else {
		h := host
		h.Predefined = false
		h.IsOnline = true
		r.hosts[h.IP] = &h

		r.total.Add(1)
		r.online.Add(1)
		event = transition(models.HostDiscovered, h)

		r.logger.Debug().Str("ip", h.IP).Int("port", h.Port).Msg("Host added to registry")
	}

	r.refreshLocked()
	r.mu.Unlock()

	if event != nil {
		r.publish(*event)
	}
}

// Reconcile marks every entry whose IP is absent from seen as offline,
// predefined entries included. Nothing is deleted. Idempotent.
func (r *Registry) Reconcile(seen map[string]struct{}) {
	var events []models.HostEvent

	r.mu.Lock()

	for ip, entry := range r.hosts {
		if _, ok := seen[ip]; ok {
			continue
		}

		if !entry.IsOnline {
			continue
		}

		entry.IsOnline = false
		r.online.Add(-1)
		events = append(events, *transition(models.HostOffline, *entry))

		r.logger.Info().Str("ip", ip).Msg("Host went offline")
	}

	r.refreshLocked()
	r.mu.Unlock()

	for i := range events {
		r.publish(events[i])
	}
}

// Snapshot returns a copy of every known host.
func (r *Registry) Snapshot() []models.Host {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

// Online returns a copy of the hosts currently marked online.
func (r *Registry) Online() []models.Host {
	r.mu.Lock()
	defer r.mu.Unlock()

	hosts := make([]models.Host, 0, len(r.hosts))

	for _, entry := range r.hosts {
		if entry.IsOnline {
			hosts = append(hosts, *entry)
		}
	}

	return hosts
}

// Counts reports total, online, and predefined host counts from the
// atomics.
func (r *Registry) Counts() (total, online, predefined int64) {
	return r.total.Load(), r.online.Load(), r.predefined.Load()
}

// refreshLocked recomputes the capability view. Callers hold r.mu.
func (r *Registry) refreshLocked() {
	if r.refresh == nil {
		return
	}

	r.refresh(r.snapshotLocked())
}

func (r *Registry) snapshotLocked() []models.Host {
	hosts := make([]models.Host, 0, len(r.hosts))
	for _, entry := range r.hosts {
		hosts = append(hosts, *entry)
	}

	return hosts
}

func (r *Registry) publish(event models.HostEvent) {
	if r.sink == nil {
		return
	}

	r.sink.Publish(event)
}

func transition(eventType models.HostEventType, host models.Host) *models.HostEvent {
	return &models.HostEvent{
		Type:      eventType,
		Host:      host,
		Timestamp: time.Now(),
	}
}
