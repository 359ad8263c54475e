// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the daemon's YAML configuration,
// composed from the per-subsystem Config structs. A file watcher can
// re-apply tunable settings on change without a restart.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/soundlab-audio/soundlab/pkg/logging"
	"github.com/soundlab-audio/soundlab/services/soundcore/adapters/wsfeed"
	"github.com/soundlab-audio/soundlab/services/soundcore/balancer"
	"github.com/soundlab-audio/soundlab/services/soundcore/presets"
	"github.com/soundlab-audio/soundlab/services/soundcore/recorder"
	"github.com/soundlab-audio/soundlab/services/soundcore/router"
	"github.com/soundlab-audio/soundlab/services/soundcore/telemetry"
)

// Logging holds the daemon's log settings.
type Logging struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error warning"`

	// Dir receives daily log files. Empty disables file logging.
	Dir string `yaml:"dir"`

	// JSON switches console output to JSON lines.
	JSON bool `yaml:"json"`
}

// File is the complete daemon configuration.
type File struct {
	Logging   Logging          `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry" validate:"required"`
	Router    router.Config    `yaml:"router" validate:"required"`
	Balancer  balancer.Config  `yaml:"balancer" validate:"required"`
	Recorder  recorder.Config  `yaml:"recorder" validate:"required"`
	Presets   presets.Config   `yaml:"presets"`

	// Feeds lists remote WebSocket sensor feeds to attach at startup.
	Feeds []wsfeed.Config `yaml:"feeds" validate:"dive"`

	// BalancerEnabled arms the balancer at startup.
	BalancerEnabled bool `yaml:"balancer_enabled"`
}

// Default returns the full default configuration.
func Default() File {
	return File{
		Logging:   Logging{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
		Router:    router.DefaultConfig(),
		Balancer:  balancer.DefaultConfig(),
		Recorder:  recorder.DefaultConfig(),
		Presets:   presets.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns the defaults unchanged.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Validate checks every field tag across the composed configs.
func (f *File) Validate() error {
	if err := validator.New().Struct(f); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LogLevel converts the configured level string.
func (f *File) LogLevel() logging.Level {
	return logging.ParseLevel(f.Logging.Level)
}
