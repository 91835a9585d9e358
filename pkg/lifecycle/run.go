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

// Package lifecycle manages service startup, signal handling, and ordered
// shutdown for the llmscout daemon.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/llmscout/pkg/logger"
)

const (
	// DefaultShutdownTimeout bounds how long Stop calls may take once a
	// termination signal arrives.
	DefaultShutdownTimeout = 30 * time.Second
)

// Service is implemented by every long-running component the daemon hosts.
// Start may block for the lifetime of the service or return once background
// goroutines are launched; either way it must honor ctx cancellation.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options configures a Run invocation.
type Options struct {
	// ServiceName is used in log output.
	ServiceName string

	// Services are started in order and stopped in reverse order.
	Services []Service

	Logger logger.Logger

	// ShutdownTimeout overrides DefaultShutdownTimeout when non-zero.
	ShutdownTimeout time.Duration
}

// Run starts all services and blocks until a termination signal arrives or
// a service fails, then stops every service in reverse order.
func Run(ctx context.Context, opts *Options) error {
	if len(opts.Services) == 0 {
		return errNoServices
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	for _, svc := range opts.Services {
		g.Go(func() error {
			if err := svc.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})
	}

	log.Info().
		Str("service", opts.ServiceName).
		Int("components", len(opts.Services)).
		Msg("Service started")

	<-gctx.Done()

	log.Info().
		Str("service", opts.ServiceName).
		Msg("Shutting down")

	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	// The parent context is already canceled, so shutdown runs on its own
	// deadline.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	var stopErrs []error

	for i := len(opts.Services) - 1; i >= 0; i-- {
		if err := opts.Services[i].Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("Component failed to stop cleanly")
			stopErrs = append(stopErrs, err)
		}
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("service error: %w", err)
	}

	if len(stopErrs) > 0 {
		return errors.Join(stopErrs...)
	}

	log.Info().
		Str("service", opts.ServiceName).
		Msg("Shutdown complete")

	return nil
}
