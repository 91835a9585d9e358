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

// Package scan expands CIDR ranges and probes the candidates for hosts
// running an Ollama server.
package scan

import (
	"context"
	"sync"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

// Scanner streams confirmed hosts for a set of CIDR ranges.
type Scanner interface {
	// Scan probes every candidate in the given ranges and sends confirmed
	// hosts on the returned channel. The channel is closed when the sweep
	// finishes.
	Scan(ctx context.Context, ranges []string) (<-chan models.Host, error)
	// Stop cancels an in-flight sweep.
	Stop() error
}

const (
	defaultConcurrency    = 10
	workChannelMultiplier = 2
)

// Sweeper probes every candidate address across all configured ranges
// with a bounded worker pool. The bound is global rather than per-range,
// so the total number of in-flight probes never exceeds it no matter how
// many ranges are configured.
type Sweeper struct {
	prober      *Prober
	concurrency int
	mu          sync.Mutex
	cancel      context.CancelFunc
	logger      logger.Logger
}

var _ Scanner = (*Sweeper)(nil)

// NewSweeper returns a Sweeper running at most concurrency probes at once.
func NewSweeper(prober *Prober, concurrency int, log logger.Logger) *Sweeper {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Sweeper{
		prober:      prober,
		concurrency: concurrency,
		logger:      log,
	}
}

// Scan expands all ranges up front and probes every candidate. Confirmed
// hosts are sent on the returned channel as they are found; the channel
// is closed once all workers finish. Ranges that fail to expand are
// skipped with a warning and do not abort the sweep.
func (s *Sweeper) Scan(ctx context.Context, ranges []string) (<-chan models.Host, error) {
	var candidates []string

	for _, cidr := range ranges {
		ips, err := ExpandCIDR(cidr)
		if err != nil {
			s.logger.Warn().Err(err).Str("cidr", cidr).Msg("Skipping unparseable CIDR range")
			continue
		}

		s.logger.Info().
			Str("cidr", cidr).
			Int("candidates", len(ips)).
			Msg("Scanning CIDR range")

		candidates = append(candidates, ips...)
	}

	if len(candidates) == 0 {
		ch := make(chan models.Host)
		close(ch)

		return ch, nil
	}

	scanCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	resultCh := make(chan models.Host, s.concurrency)
	workCh := make(chan string, s.concurrency*workChannelMultiplier)

	var wg sync.WaitGroup

	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s.worker(scanCtx, workCh, resultCh)
		}()
	}

	go func() {
		defer close(workCh)

		for _, ip := range candidates {
			select {
			case <-scanCtx.Done():
				return
			case workCh <- ip:
			}
		}
	}()

	go func() {
		wg.Wait()

		// Release the sweep context: a completed sweep must not stay
		// registered as a child of the caller's long-lived context.
		cancel()

		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()

		close(resultCh)
	}()

	return resultCh, nil
}

func (s *Sweeper) worker(ctx context.Context, workCh <-chan string, resultCh chan<- models.Host) {
	for ip := range workCh {
		host, err := s.prober.Probe(ctx, ip)
		if err != nil {
			s.logger.Debug().Err(err).Str("ip", ip).Msg("Probe aborted")
			continue
		}

		if host == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case resultCh <- *host:
		}
	}
}

// Stop cancels an in-flight sweep. The result channel still closes once
// the workers drain.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	return nil
}
