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

// Package discovery implements the llmscout sweep pipeline: a bounded
// scanner feeding a drain-barrier queue, a single consumer merging
// results into the host registry, and a manager sequencing
// scan -> drain -> reconcile passes on an interval.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

const (
	defaultInterval  = 60 * time.Second
	passErrorBackoff = 5 * time.Second
)

// Phase identifies where the manager is in its pass cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseDraining
	PhaseReconciling
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScanning:
		return "scanning"
	case PhaseDraining:
		return "draining"
	case PhaseReconciling:
		return "reconciling"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Manager owns the discovery pass cycle. Start runs the scan loop in the
// calling goroutine and spawns the single consumer; Stop tears both down
// in order.
type Manager struct {
	config   *models.DiscoveryConfig
	interval time.Duration
	scanner  Scanner
	registry *Registry
	queue    *EventQueue
	logger   logger.Logger

	running atomic.Bool
	phase   atomic.Int32

	mu             sync.Mutex
	loopCancel     context.CancelFunc
	consumerCancel context.CancelFunc
	loopExited     chan struct{}
	consumerExited chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager wires a manager around its scanner and registry. The event
// queue is internal; nothing outside the manager and its consumer touches
// it.
func NewManager(config *models.DiscoveryConfig, scanner Scanner, registry *Registry, log logger.Logger) *Manager {
	interval := time.Duration(config.Interval)
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Manager{
		config:   config,
		interval: interval,
		scanner:  scanner,
		registry: registry,
		queue:    NewEventQueue(defaultQueueBuffer),
		logger:   log,
		done:     make(chan struct{}),
	}
}

// Start runs the scan loop until Stop is called or ctx ends. A second
// Start while running returns ErrAlreadyRunning; a Start after Stop
// returns ErrManagerStopped. The running flag and the cancel funcs are
// published under one lock so Stop always sees both or neither.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()

	select {
	case <-m.done:
		m.mu.Unlock()
		return ErrManagerStopped
	default:
	}

	if !m.running.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	consumerCtx, consumerCancel := context.WithCancel(context.Background())

	m.loopCancel = loopCancel
	m.consumerCancel = consumerCancel
	m.loopExited = make(chan struct{})
	m.consumerExited = make(chan struct{})
	loopExited, consumerExited := m.loopExited, m.consumerExited
	m.mu.Unlock()

	go func() {
		defer close(consumerExited)

		m.consume(consumerCtx)
	}()

	m.logger.Info().
		Strs("ranges", m.config.CIDRRanges).
		Str("interval", m.interval.String()).
		Int("max_parallel", m.config.MaxParallel).
		Msg("Discovery manager started")

	defer close(loopExited)

	return m.runLoop(loopCtx)
}

func (m *Manager) runLoop(ctx context.Context) error {
	idle := time.NewTimer(m.interval)
	defer idle.Stop()

	for {
		if err := m.runPass(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				select {
				case <-m.done:
					return nil
				default:
					return err
				}
			}

			m.logger.Error().Err(err).Msg("Discovery pass failed")

			// A persistent failure must not hot-loop the scanner.
			select {
			case <-ctx.Done():
				select {
				case <-m.done:
					return nil
				default:
					return ctx.Err()
				}
			case <-m.done:
				return nil
			case <-time.After(passErrorBackoff):
				continue
			}
		}

		m.setPhase(PhaseIdle)

		// The idle sleep is armed only after the pass (drain and
		// reconcile included) completes, so a pass that outlives the
		// interval still gets a full interval of quiet before the next
		// sweep instead of scanning back to back.
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}

		idle.Reset(m.interval)

		select {
		case <-ctx.Done():
			// Stop cancels the loop context after closing done; an
			// orderly shutdown is not a loop error.
			select {
			case <-m.done:
				return nil
			default:
				return ctx.Err()
			}
		case <-m.done:
			return nil
		case <-idle.C:
		}
	}
}

// runPass executes one scan -> drain -> reconcile sequence. Confirmed
// hosts stream through the queue to the consumer while the pass is still
// scanning; reconciliation waits on the drain barrier so it never races
// the merges of its own pass.
func (m *Manager) runPass(ctx context.Context) (err error) {
	start := time.Now()
	seen := make(map[string]struct{})

	defer func() {
		recordPass(ctx, time.Since(start), len(seen), passOutcome(err))
	}()

	passLog := m.logger.WithFields(map[string]interface{}{
		"pass_id": uuid.New().String(),
	})

	m.setPhase(PhaseScanning)
	passLog.Info().Strs("ranges", m.config.CIDRRanges).Msg("Starting discovery pass")

	results, err := m.scanner.Scan(ctx, m.config.CIDRRanges)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	for host := range results {
		seen[host.IP] = struct{}{}

		if err := m.queue.Put(ctx, host); err != nil {
			return fmt.Errorf("queueing %s: %w", host.IP, err)
		}
	}

	m.setPhase(PhaseDraining)

	if err := m.queue.Join(ctx); err != nil {
		return fmt.Errorf("draining event queue: %w", err)
	}

	m.setPhase(PhaseReconciling)
	m.registry.Reconcile(seen)

	total, online, _ := m.registry.Counts()
	passLog.Info().
		Int("confirmed", len(seen)).
		Int64("online", online).
		Int64("total", total).
		Dur("elapsed", time.Since(start)).
		Msg("Discovery pass complete")

	return nil
}

// Stop halts the scan loop, then the consumer, in that order, so the
// consumer outlives the last pass's merges. Idempotent; bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	var err error

	m.stopOnce.Do(func() {
		m.logger.Info().Msg("Stopping discovery manager")

		m.mu.Lock()
		m.running.Store(false)
		close(m.done)

		loopCancel := m.loopCancel
		consumerCancel := m.consumerCancel
		loopExited := m.loopExited
		consumerExited := m.consumerExited
		m.mu.Unlock()

		if loopCancel == nil {
			// Start never ran.
			m.setPhase(PhaseStopped)
			return
		}

		loopCancel()

		if waitErr := awaitClosed(ctx, loopExited); waitErr != nil {
			err = fmt.Errorf("awaiting scan loop: %w", waitErr)
			return
		}

		consumerCancel()

		if waitErr := awaitClosed(ctx, consumerExited); waitErr != nil {
			err = fmt.Errorf("awaiting consumer: %w", waitErr)
			return
		}

		m.setPhase(PhaseStopped)
		m.logger.Info().Msg("Discovery manager stopped")
	})

	return err
}

// OnlineHosts returns the hosts the latest merges and reconciliation
// left marked online.
func (m *Manager) OnlineHosts() []models.Host {
	return m.registry.Online()
}

// AllHosts returns every known host, online and offline alike.
func (m *Manager) AllHosts() []models.Host {
	return m.registry.Snapshot()
}

// Stats assembles a best-effort snapshot from atomics and immutable
// configuration; it never takes the registry lock.
func (m *Manager) Stats() models.DiscoveryStats {
	total, online, predefined := m.registry.Counts()

	return models.DiscoveryStats{
		Running:         m.running.Load(),
		Phase:           Phase(m.phase.Load()).String(),
		TotalHosts:      total,
		OnlineHosts:     online,
		PredefinedHosts: predefined,
		CIDRRanges:      m.config.CIDRRanges,
		IntervalSeconds: m.interval.Seconds(),
	}
}

func (m *Manager) setPhase(p Phase) {
	m.phase.Store(int32(p))
}

func awaitClosed(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
