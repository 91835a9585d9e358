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

package funnel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

func testFunnelConfig(threshold, maxCycles int) *models.FunnelConfig {
	return &models.FunnelConfig{
		Window:        models.Duration(time.Minute),
		TickThreshold: threshold,
		MaxCycles:     maxCycles,
	}
}

// mockedController wires a controller to a mock clock whose window
// boundaries the test pushes by hand. The caller must Start and Stop it.
func mockedController(t *testing.T, ctrl *gomock.Controller, threshold, maxCycles int) (*Controller, chan time.Time) {
	t.Helper()

	clock := NewMockClock(ctrl)
	ticker := NewMockTicker(ctrl)
	boundaries := make(chan time.Time)

	clock.EXPECT().Now().Return(time.Now()).AnyTimes()
	clock.EXPECT().Ticker(gomock.Any()).Return(ticker)
	ticker.EXPECT().Chan().Return(boundaries).AnyTimes()
	ticker.EXPECT().Stop()

	return NewController(testFunnelConfig(threshold, maxCycles), clock, logger.NewTestLogger()), boundaries
}

func TestController_TickThresholdTriggersRefresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c, _ := mockedController(t, ctrl, 4, 12)

	var refreshes atomic.Int32

	require.NoError(t, c.Start(context.Background(), func(context.Context) error {
		refreshes.Add(1)
		return nil
	}))
	defer c.Stop()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Tick(ctx)
	}

	assert.Zero(t, refreshes.Load(), "below the threshold nothing refreshes")

	c.Tick(ctx)

	assert.Equal(t, int32(1), refreshes.Load())

	ticks, cycles := c.counters()
	assert.Zero(t, ticks)
	assert.Zero(t, cycles)
}

func TestController_QuietWindowsForceRefresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	const (
		threshold = 4
		maxCycles = 3
	)

	c, boundaries := mockedController(t, ctrl, threshold, maxCycles)

	var refreshes atomic.Int32

	require.NoError(t, c.Start(context.Background(), func(context.Context) error {
		refreshes.Add(1)
		return nil
	}))
	defer c.Stop()

	ctx := context.Background()

	// Windows of below-threshold activity never refresh on their own.
	for window := 1; window < maxCycles; window++ {
		for i := 0; i < threshold-1; i++ {
			c.Tick(ctx)
		}

		boundaries <- time.Now()

		require.Eventually(t, func() bool {
			ticks, cycles := c.counters()
			return cycles == window && ticks == 0
		}, time.Second, time.Millisecond)

		assert.Zero(t, refreshes.Load())
	}

	// The window that hits the ceiling forces exactly one refresh.
	for i := 0; i < threshold-1; i++ {
		c.Tick(ctx)
	}

	boundaries <- time.Now()

	require.Eventually(t, func() bool {
		return refreshes.Load() == 1
	}, time.Second, time.Millisecond)

	ticks, cycles := c.counters()
	assert.Zero(t, ticks)
	assert.Zero(t, cycles)
}

func TestController_TickRefreshClearsQuietWindows(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c, boundaries := mockedController(t, ctrl, 2, 12)

	var refreshes atomic.Int32

	require.NoError(t, c.Start(context.Background(), func(context.Context) error {
		refreshes.Add(1)
		return nil
	}))
	defer c.Stop()

	ctx := context.Background()

	boundaries <- time.Now()

	require.Eventually(t, func() bool {
		_, cycles := c.counters()
		return cycles == 1
	}, time.Second, time.Millisecond)

	c.Tick(ctx)
	c.Tick(ctx)

	assert.Equal(t, int32(1), refreshes.Load())

	ticks, cycles := c.counters()
	assert.Zero(t, ticks)
	assert.Zero(t, cycles, "a tick-driven refresh clears accumulated quiet windows")
}

func TestController_CallbackErrorStillResets(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c, _ := mockedController(t, ctrl, 2, 12)

	var calls atomic.Int32

	require.NoError(t, c.Start(context.Background(), func(context.Context) error {
		calls.Add(1)
		return assert.AnError
	}))
	defer c.Stop()

	ctx := context.Background()

	c.Tick(ctx)
	c.Tick(ctx)

	assert.Equal(t, int32(1), calls.Load())

	ticks, cycles := c.counters()
	assert.Zero(t, ticks)
	assert.Zero(t, cycles)

	// The controller keeps working after a failed refresh.
	c.Tick(ctx)
	c.Tick(ctx)

	assert.Equal(t, int32(2), calls.Load())
}

func TestController_SecondStartRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c, _ := mockedController(t, ctrl, 4, 12)

	refresh := func(context.Context) error { return nil }

	require.NoError(t, c.Start(context.Background(), refresh))
	defer c.Stop()

	assert.ErrorIs(t, c.Start(context.Background(), refresh), ErrAlreadyStarted)
}

func TestController_StopIgnoresLaterTicks(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c, _ := mockedController(t, ctrl, 1, 12)

	var refreshes atomic.Int32

	require.NoError(t, c.Start(context.Background(), func(context.Context) error {
		refreshes.Add(1)
		return nil
	}))

	ctx := context.Background()

	c.Tick(ctx)
	assert.Equal(t, int32(1), refreshes.Load())

	c.Stop()

	c.Tick(ctx)
	assert.Equal(t, int32(1), refreshes.Load())

	ticks, cycles := c.counters()
	assert.Zero(t, ticks)
	assert.Zero(t, cycles)

	// Stopping twice is harmless.
	c.Stop()
}

func TestController_TickWithoutCallback(t *testing.T) {
	c := NewController(testFunnelConfig(2, 12), nil, logger.NewTestLogger())

	ctx := context.Background()

	c.Tick(ctx)
	c.Tick(ctx)

	ticks, cycles := c.counters()
	assert.Zero(t, ticks, "threshold without a callback still resets")
	assert.Zero(t, cycles)
}

func TestNewController_Defaults(t *testing.T) {
	c := NewController(&models.FunnelConfig{}, nil, logger.NewTestLogger())

	assert.Equal(t, 5*time.Second, c.window)
	assert.Equal(t, 4, c.tickThreshold)
	assert.Equal(t, 12, c.maxCycles)
}
