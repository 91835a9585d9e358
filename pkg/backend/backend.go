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

// Package backend exposes discovered hosts as queryable inference
// backends and maintains the label-keyed capability view the API and
// router sync read from.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

// Kind discriminates backend implementations.
type Kind string

// KindOllama is the only backend variant currently implemented.
const KindOllama Kind = "ollama"

// ErrUnknownKind is returned by New for a Kind with no registered
// implementation.
var ErrUnknownKind = fmt.Errorf("unknown backend kind")

// Backend is one inference host the monitor can interrogate.
type Backend interface {
	// Label is the stable identifier clients address this backend by:
	// the hostname when known, otherwise derived from the IP.
	Label() string

	// Host returns the registry entry this backend was built from.
	Host() models.Host

	// Status reports the backend's loaded models and version. It never
	// fails: transport errors degrade to an offline status.
	Status(ctx context.Context) models.ProcessStatus

	// Tags lists the model names installed on the backend.
	Tags(ctx context.Context) ([]string, error)

	// BaseURL is the backend's root endpoint, e.g. "http://10.0.0.5:11434".
	BaseURL() string
}

// Options configure backend construction.
type Options struct {
	// Timeout bounds each HTTP call to the backend.
	Timeout time.Duration
	Logger  logger.Logger
}

// New builds a backend of the given kind for a host.
func New(kind Kind, host models.Host, opts Options) (Backend, error) {
	switch kind {
	case KindOllama:
		return newOllama(host, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
