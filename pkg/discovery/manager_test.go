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
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
	"github.com/carverauto/llmscout/pkg/scan"
)

func testDiscoveryConfig(ranges ...string) *models.DiscoveryConfig {
	return &models.DiscoveryConfig{
		CIDRRanges:  ranges,
		Interval:    models.Duration(time.Hour),
		Timeout:     models.Duration(500 * time.Millisecond),
		MaxParallel: 4,
		Port:        11434,
	}
}

// hostChannel returns a pre-filled, closed channel the mock scanner can
// hand back as a completed sweep.
func hostChannel(hosts ...models.Host) chan models.Host {
	ch := make(chan models.Host, len(hosts)+1)
	for _, host := range hosts {
		ch <- host
	}

	close(ch)

	return ch
}

func TestManager_RunPass_MergesAndReconciles(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	scanner := NewMockScanner(ctrl)

	now := time.Now()
	scanner.EXPECT().
		Scan(gomock.Any(), []string{"10.0.0.0/30"}).
		Return(hostChannel(
			models.Host{IP: "10.0.0.1", Port: 11434, LastSeen: now, IsOnline: true},
			models.Host{IP: "10.0.0.2", Port: 11434, Hostname: "llm-02", LastSeen: now, IsOnline: true},
		), nil)

	static := []*models.Host{{IP: "192.168.1.50", Port: 11434, Predefined: true}}
	registry := NewRegistry(static, logger.NewTestLogger())
	m := NewManager(testDiscoveryConfig("10.0.0.0/30"), scanner, registry, logger.NewTestLogger())

	consumerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.consume(consumerCtx)

	require.NoError(t, m.runPass(context.Background()))

	total, online, predefined := registry.Counts()
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(2), online)
	assert.Equal(t, int64(1), predefined)

	for _, host := range registry.Snapshot() {
		if host.IP == "192.168.1.50" {
			// The unseen predefined host stays registered but offline.
			assert.False(t, host.IsOnline)
			assert.True(t, host.Predefined)
		} else {
			assert.True(t, host.IsOnline)
		}
	}
}

func TestManager_RunPass_ScanError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	scanner := NewMockScanner(ctrl)
	scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).Return(nil, assert.AnError)

	registry := NewRegistry(nil, logger.NewTestLogger())
	m := NewManager(testDiscoveryConfig("10.0.0.0/30"), scanner, registry, logger.NewTestLogger())

	err := m.runPass(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)

	total, _, _ := registry.Counts()
	assert.Equal(t, int64(0), total, "a failed scan must not touch the registry")
}

func TestManager_StartAndStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	scanner := NewMockScanner(ctrl)
	scanner.EXPECT().
		Scan(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ []string) (<-chan models.Host, error) {
			return hostChannel(), nil
		}).
		AnyTimes()

	m := NewManager(testDiscoveryConfig("10.0.0.0/30"), scanner, NewRegistry(nil, logger.NewTestLogger()), logger.NewTestLogger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Start(context.Background())
	}()

	require.Eventually(t, func() bool {
		return m.Stats().Running
	}, time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Stop(stopCtx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}

	stats := m.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, PhaseStopped.String(), stats.Phase)

	// A second Stop is a no-op.
	require.NoError(t, m.Stop(stopCtx))
}

func TestManager_SecondStartRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	scanner := NewMockScanner(ctrl)
	scanner.EXPECT().
		Scan(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ []string) (<-chan models.Host, error) {
			return hostChannel(), nil
		}).
		AnyTimes()

	m := NewManager(testDiscoveryConfig("10.0.0.0/30"), scanner, NewRegistry(nil, logger.NewTestLogger()), logger.NewTestLogger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Start(context.Background())
	}()

	require.Eventually(t, func() bool {
		return m.Stats().Running
	}, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRunning)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Stop(stopCtx))
	require.NoError(t, <-errCh)
}

func TestManager_StopBeforeStart(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := NewManager(testDiscoveryConfig("10.0.0.0/30"), NewMockScanner(ctrl), NewRegistry(nil, logger.NewTestLogger()), logger.NewTestLogger())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, PhaseStopped.String(), m.Stats().Phase)
}

func TestManager_Stats(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	static := []*models.Host{{IP: "192.168.1.50", Port: 11434, Predefined: true}}
	m := NewManager(testDiscoveryConfig("192.168.1.0/24"), NewMockScanner(ctrl), NewRegistry(static, logger.NewTestLogger()), logger.NewTestLogger())

	stats := m.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, PhaseIdle.String(), stats.Phase)
	assert.Equal(t, []string{"192.168.1.0/24"}, stats.CIDRRanges)
	assert.InDelta(t, time.Hour.Seconds(), stats.IntervalSeconds, 0.001)
	assert.Equal(t, int64(1), stats.TotalHosts)
	assert.Equal(t, int64(0), stats.OnlineHosts)
	assert.Equal(t, int64(1), stats.PredefinedHosts)
}

// TestManager_SweepPipeline_Loopback drives the full pipeline against a
// real sweeper and a loopback Ollama stub.
func TestManager_SweepPipeline_Loopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ps" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	log := logger.NewTestLogger()
	cfg := &models.DiscoveryConfig{
		CIDRRanges:  []string{u.Hostname() + "/30"},
		Interval:    models.Duration(time.Hour),
		Timeout:     models.Duration(500 * time.Millisecond),
		MaxParallel: 2,
		Port:        port,
	}

	registry := NewRegistry(nil, log)
	prober := scan.NewProber(port, 500*time.Millisecond, log)
	m := NewManager(cfg, scan.NewSweeper(prober, cfg.MaxParallel, log), registry, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Start(context.Background())
	}()

	require.Eventually(t, func() bool {
		_, online, _ := registry.Counts()
		return online == 1
	}, 5*time.Second, 20*time.Millisecond)

	hosts := registry.Snapshot()
	require.Len(t, hosts, 1)
	assert.Equal(t, u.Hostname(), hosts[0].IP)
	assert.Equal(t, port, hosts[0].Port)
	assert.True(t, hosts[0].IsOnline)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Stop(stopCtx))
	require.NoError(t, <-errCh)
}

func TestManager_IdlesFullIntervalAfterSlowPass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	const (
		interval = 150 * time.Millisecond
		passTime = 250 * time.Millisecond
	)

	var (
		mu     sync.Mutex
		starts []time.Time
	)

	// Each sweep takes longer than the configured interval. The idle
	// wait is armed only after a pass finishes, so consecutive sweep
	// starts must still be at least passTime+interval apart.
	scanner := NewMockScanner(ctrl)
	scanner.EXPECT().
		Scan(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ []string) (<-chan models.Host, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()

			ch := make(chan models.Host)
			go func() {
				time.Sleep(passTime)
				close(ch)
			}()

			return ch, nil
		}).
		AnyTimes()

	cfg := testDiscoveryConfig("10.0.0.0/30")
	cfg.Interval = models.Duration(interval)

	m := NewManager(cfg, scanner, NewRegistry(nil, logger.NewTestLogger()), logger.NewTestLogger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Start(context.Background())
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(starts) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Stop(stopCtx))
	require.NoError(t, <-errCh)

	mu.Lock()
	gap := starts[1].Sub(starts[0])
	mu.Unlock()

	assert.GreaterOrEqual(t, gap, passTime+interval,
		"second sweep started before a full idle interval elapsed")
}

func TestManager_StartAfterStopRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := NewManager(testDiscoveryConfig("10.0.0.0/30"), NewMockScanner(ctrl), NewRegistry(nil, logger.NewTestLogger()), logger.NewTestLogger())

	require.NoError(t, m.Stop(context.Background()))

	// Managers are single-use: a Start that loses the race with Stop
	// must not spawn a loop nobody can cancel.
	assert.ErrorIs(t, m.Start(context.Background()), ErrManagerStopped)
	assert.Equal(t, PhaseStopped.String(), m.Stats().Phase)
	assert.False(t, m.Stats().Running)
}
