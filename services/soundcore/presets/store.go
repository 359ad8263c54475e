// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package presets persists named control presets in an embedded
// BadgerDB. A preset captures the tunable surface of the control plane
// (router fallback behavior, balancer gains and targets) so an operator
// can switch setups without editing the config file.
//
// Values are JSON documents under "preset:<id>" keys. In-memory mode is
// available for tests.
package presets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// keyPrefix namespaces preset records inside the database.
const keyPrefix = "preset:"

var (
	// ErrNotFound is returned when a preset id has no record.
	ErrNotFound = errors.New("presets: not found")

	// ErrInvalidPreset is returned when validation fails on Save.
	ErrInvalidPreset = errors.New("presets: invalid preset")
)

// -----------------------------------------------------------------------------
// Model
// -----------------------------------------------------------------------------

// RouterParams is the router's tunable subset.
type RouterParams struct {
	FallbackPhi     float64       `json:"fallback_phi" validate:"gte=0.618033988749895,lte=1.618033988749895"`
	FallbackTimeout time.Duration `json:"fallback_timeout" validate:"gt=0"`
}

// BalancerParams is the balancer's tunable subset.
type BalancerParams struct {
	Beta           float64 `json:"beta" validate:"gte=0,lte=1"`
	DeltaAmplitude float64 `json:"delta_amplitude" validate:"gte=0,lte=1"`
	Target         float64 `json:"target" validate:"gt=0"`
}

// Preset is one named control setup.
type Preset struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" validate:"required,max=128"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Created     time.Time      `json:"created"`
	Updated     time.Time      `json:"updated"`
	Router      RouterParams   `json:"router"`
	Balancer    BalancerParams `json:"balancer"`
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Config holds configuration for the preset store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string `yaml:"path"`

	// InMemory disables disk persistence. Useful for testing.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `yaml:"sync_writes"`
}

// DefaultConfig returns production defaults: durable writes under
// ./presets.
func DefaultConfig() Config {
	return Config{
		Path:       "presets",
		SyncWrites: true,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is a BadgerDB-backed preset repository.
//
// Thread Safety: safe for concurrent use; BadgerDB provides transaction
// isolation.
type Store struct {
	db       *badger.DB
	logger   *slog.Logger
	validate *validator.Validate
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) the preset store. logger may be nil, which
// also silences BadgerDB's internal logging.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("presets: path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create preset directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open preset database: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:       db,
		logger:   logger.With(slog.String("subsystem", "presets")),
		validate: validator.New(),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a preset. A missing ID gets a fresh UUID; Created is set
// on first save and Updated on every save. Returns the stored preset.
func (s *Store) Save(ctx context.Context, p Preset) (Preset, error) {
	if err := ctx.Err(); err != nil {
		return Preset{}, fmt.Errorf("context cancelled: %w", err)
	}
	if err := s.validate.Struct(p); err != nil {
		return Preset{}, fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.Created = now
	} else if p.Created.IsZero() {
		p.Created = now
	}
	p.Updated = now

	data, err := json.Marshal(p)
	if err != nil {
		return Preset{}, fmt.Errorf("marshal preset: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+p.ID), data)
	})
	if err != nil {
		return Preset{}, fmt.Errorf("save preset %s: %w", p.ID, err)
	}

	s.logger.Info("preset saved",
		slog.String("preset_id", p.ID),
		slog.String("name", p.Name),
	)
	return p, nil
}

// Get loads a preset by id.
func (s *Store) Get(ctx context.Context, id string) (Preset, error) {
	if err := ctx.Err(); err != nil {
		return Preset{}, fmt.Errorf("context cancelled: %w", err)
	}

	var p Preset
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Preset{}, ErrNotFound
		}
		return Preset{}, fmt.Errorf("load preset %s: %w", id, err)
	}
	return p, nil
}

// List returns all presets sorted by name.
func (s *Store) List(ctx context.Context) ([]Preset, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var presets []Preset
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var p Preset
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			})
			if err != nil {
				s.logger.Warn("skipping unreadable preset",
					slog.String("key", string(it.Item().Key())),
					slog.String("error", err.Error()),
				)
				continue
			}
			presets = append(presets, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}

	sort.Slice(presets, func(i, j int) bool {
		return presets[i].Name < presets[j].Name
	})
	return presets, nil
}

// Search returns presets whose name or tags contain the query,
// case-insensitively. An empty query matches everything.
func (s *Store) Search(ctx context.Context, query string) ([]Preset, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return all, nil
	}

	q := strings.ToLower(query)
	var matched []Preset
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.Name), q) {
			matched = append(matched, p)
			continue
		}
		for _, tag := range p.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched, nil
}

// Delete removes a preset. Deleting a missing id returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(keyPrefix + id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete preset %s: %w", id, err)
	}

	s.logger.Info("preset deleted", slog.String("preset_id", id))
	return nil
}
