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

// Package funnel adapts capability polling to client activity. Ticks
// from the frontend accumulate in fixed windows; a busy window triggers
// an immediate refresh while quiet windows only refresh after a ceiling
// of windows has passed, so idle deployments barely touch their hosts.
package funnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

const (
	defaultWindow        = 5 * time.Second
	defaultTickThreshold = 4
	defaultMaxCycles     = 12
)

// ErrAlreadyStarted is returned when Start is called on a running or
// stopped controller. Controllers are single-use.
var ErrAlreadyStarted = fmt.Errorf("funnel controller already started")

// RefreshFunc performs one capability refresh. It runs on whichever
// goroutine triggered it, under the controller's lock.
type RefreshFunc func(ctx context.Context) error

// Controller counts ticks per window and decides when a refresh is due:
// immediately once a window accumulates TickThreshold ticks, or forced
// after MaxCycles windows pass without any refresh. Every refresh resets
// both counters.
type Controller struct {
	window        time.Duration
	tickThreshold int
	maxCycles     int

	clock  Clock
	logger logger.Logger

	mu          sync.Mutex
	tickCount   int
	cycleCount  int
	refresh     RefreshFunc
	lastRefresh time.Time
	started     bool
	stopped     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewController builds a controller from the funnel configuration. A nil
// clock selects the system clock.
func NewController(cfg *models.FunnelConfig, clock Clock, log logger.Logger) *Controller {
	window := cfg.Window.Std()
	if window <= 0 {
		window = defaultWindow
	}

	threshold := cfg.TickThreshold
	if threshold < 1 {
		threshold = defaultTickThreshold
	}

	maxCycles := cfg.MaxCycles
	if maxCycles < 1 {
		maxCycles = defaultMaxCycles
	}

	if clock == nil {
		clock = systemClock{}
	}

	return &Controller{
		window:        window,
		tickThreshold: threshold,
		maxCycles:     maxCycles,
		clock:         clock,
		logger:        log,
	}
}

// Start registers the refresh callback and launches the window cycle
// goroutine. A second Start is rejected.
func (c *Controller) Start(ctx context.Context, refresh RefreshFunc) error {
	c.mu.Lock()

	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}

	cycleCtx, cancel := context.WithCancel(ctx)

	c.started = true
	c.refresh = refresh
	c.lastRefresh = c.clock.Now()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.runCycles(cycleCtx)

	c.logger.Info().
		Dur("window", c.window).
		Int("tick_threshold", c.tickThreshold).
		Int("max_cycles", c.maxCycles).
		Msg("Tick funnel started")

	return nil
}

// Tick records one client activity signal. Reaching the window threshold
// triggers the refresh synchronously on the caller's goroutine. Ticks
// after Stop are ignored.
func (c *Controller) Tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	c.tickCount++

	c.logger.Debug().
		Int("ticks", c.tickCount).
		Int("threshold", c.tickThreshold).
		Msg("Tick received")

	if c.tickCount >= c.tickThreshold {
		c.logger.Info().Int("ticks", c.tickCount).Msg("Tick threshold reached, refreshing")
		c.refreshLocked(ctx)
	}
}

// Stop cancels the cycle goroutine and waits for it to exit.
func (c *Controller) Stop() {
	c.mu.Lock()

	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}

	c.stopped = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.logger.Info().Msg("Tick funnel stopped")
}

func (c *Controller) runCycles(ctx context.Context) {
	defer close(c.done)

	ticker := c.clock.Ticker(c.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("Tick funnel cycle loop stopped")
			return
		case <-ticker.Chan():
			c.cycle(ctx)
		}
	}
}

// cycle closes one window: count it against the ceiling, force a refresh
// once the ceiling is hit, otherwise open the next window with a clean
// tick count. The cycle count survives window boundaries until a refresh
// clears it.
func (c *Controller) cycle(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cycleCount++

	c.logger.Debug().
		Int("cycle", c.cycleCount).
		Int("max_cycles", c.maxCycles).
		Int("ticks_in_window", c.tickCount).
		Msg("Window closed")

	if c.cycleCount >= c.maxCycles {
		c.logger.Info().Int("cycles", c.cycleCount).Msg("Max quiet windows reached, forcing refresh")
		c.refreshLocked(ctx)

		return
	}

	c.tickCount = 0
}

// refreshLocked runs the callback and resets both counters. Callers hold
// c.mu, so concurrent triggers serialize and the reset is atomic with
// respect to other ticks and window closes. Callback errors are logged,
// never propagated, and do not prevent the reset.
func (c *Controller) refreshLocked(ctx context.Context) {
	if c.refresh == nil {
		c.logger.Warn().Msg("Refresh due but no callback registered")
	} else if err := c.refresh(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Refresh failed")
	} else {
		now := c.clock.Now()
		c.logger.Debug().Dur("since_last", now.Sub(c.lastRefresh)).Msg("Refresh complete")
		c.lastRefresh = now
	}

	c.tickCount = 0
	c.cycleCount = 0
}

// counters reports the current tick and cycle counts.
func (c *Controller) counters() (ticks, cycles int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tickCount, c.cycleCount
}
