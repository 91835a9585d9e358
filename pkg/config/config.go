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

// Package config loads the daemon configuration from an optional JSON
// file plus environment variable overrides, and validates the result
// before any component starts.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/carverauto/llmscout/pkg/logger"
	"github.com/carverauto/llmscout/pkg/models"
)

// ConfigLoader loads a configuration into dst from a source identified
// by path.
type ConfigLoader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// Validator is implemented by configuration types that can check
// themselves after loading.
type Validator interface {
	Validate() error
}

// ValidateConfig validates a configuration if it implements Validator.
func ValidateConfig(cfg interface{}) error {
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}

	return v.Validate()
}

// FileConfigLoader loads configuration from a local JSON file.
type FileConfigLoader struct{}

var _ ConfigLoader = (*FileConfigLoader)(nil)

// Load implements ConfigLoader by reading and unmarshaling a JSON file.
func (*FileConfigLoader) Load(_ context.Context, path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file '%s': %w", path, err)
	}

	err = json.Unmarshal(data, dst)
	if err != nil {
		return fmt.Errorf("failed to unmarshal JSON from '%s': %w", path, err)
	}

	return nil
}

// Load reads the daemon configuration. When path is empty the file step
// is skipped and the configuration comes from environment variables
// alone. Environment values always win over file values.
func Load(ctx context.Context, path string, log logger.Logger) (*models.CoreServiceConfig, error) {
	cfg := &models.CoreServiceConfig{}

	if path != "" {
		loader := &FileConfigLoader{}
		if err := loader.Load(ctx, path, cfg); err != nil {
			return nil, err
		}

		log.Info().Str("path", path).Msg("Loaded configuration file")
	}

	if err := applyEnvOverrides(cfg, log); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
