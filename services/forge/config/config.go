// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the YAML configuration that ties the
// orchestration components together.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/forge/services/forge/branch"
	"github.com/AleutianAI/forge/services/forge/checkpoint"
	"github.com/AleutianAI/forge/services/forge/chunk"
	"github.com/AleutianAI/forge/services/forge/fault"
	"github.com/AleutianAI/forge/services/forge/recovery"
	"github.com/AleutianAI/forge/services/forge/resource"
	"github.com/AleutianAI/forge/services/forge/sched"
)

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is text or json. Text output is the default on a terminal.
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

// Duration wraps time.Duration so YAML can carry values like "100ms" or
// "2m"; bare integers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryConfig is the YAML-facing shape of one recovery policy.
type RetryConfig struct {
	MaxRetries  int      `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	Backoff     string   `json:"backoff" yaml:"backoff" validate:"omitempty,oneof=fixed exponential linear"`
	Initial     Duration `json:"initial" yaml:"initial"`
	Factor      float64  `json:"factor" yaml:"factor" validate:"gte=0"`
	Increment   Duration `json:"increment" yaml:"increment"`
	Max         Duration `json:"max" yaml:"max"`
	Fallback    string   `json:"fallback" yaml:"fallback" validate:"omitempty,oneof=abort skip simplify revert use_alternate subdivide"`
	AlternateID string   `json:"alternate_id" yaml:"alternate_id"`
}

// RecoveryConfig holds the policy table. Overrides is keyed by fault kind
// name (timeout, generation_failure, memory_limit_exceeded, ...); kinds
// without an override use the package defaults.
type RecoveryConfig struct {
	Default   *RetryConfig           `json:"default" yaml:"default"`
	Overrides map[string]RetryConfig `json:"overrides" yaml:"overrides" validate:"dive"`
}

// Config is the root configuration document.
type Config struct {
	Logging    LoggingConfig     `json:"logging" yaml:"logging"`
	Checkpoint checkpoint.Config `json:"checkpoint" yaml:"checkpoint"`
	Resource   resource.Config   `json:"resource" yaml:"resource"`
	Chunk      chunk.Config      `json:"chunk" yaml:"chunk"`
	Scheduler  sched.Config      `json:"scheduler" yaml:"scheduler"`
	Branch     branch.Config     `json:"branch" yaml:"branch"`
	Recovery   RecoveryConfig    `json:"recovery" yaml:"recovery"`

	// WorkDir roots checkpoint and branch state. Default: .forge.
	WorkDir string `json:"work_dir" yaml:"work_dir"`
}

// Default returns a fully-populated configuration with production
// defaults everywhere.
func Default() Config {
	return Config{
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Checkpoint: checkpoint.DefaultConfig(),
		Resource:   resource.DefaultConfig(),
		Chunk:      chunk.DefaultConfig(),
		Scheduler:  sched.DefaultConfig(),
		Branch:     branch.DefaultConfig(),
		WorkDir:    ".forge",
	}
}

// Load reads a YAML config file, layers it over the defaults, and
// validates the result.
//
// Inputs:
//
//	path - The YAML file. An empty path returns the defaults.
//
// Outputs:
//
//	Config - The merged, validated configuration.
//	error - An IO fault for unreadable files, a serialization fault for
//	        bad YAML, or a validation error listing offending fields.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fault.Wrap(fault.KindIO, path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fault.Wrap(fault.KindSerialization, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for name := range c.Recovery.Overrides {
		if _, ok := fault.ParseKind(name); !ok {
			return fmt.Errorf("invalid configuration: unknown fault kind %q in recovery overrides", name)
		}
	}
	if c.Chunk.MinSize > 0 && c.Chunk.MaxSize > 0 && c.Chunk.MinSize > c.Chunk.MaxSize {
		return fmt.Errorf("invalid configuration: chunk min_size %d exceeds max_size %d",
			c.Chunk.MinSize, c.Chunk.MaxSize)
	}
	return nil
}

// Policies converts the YAML policy table into recovery policies. Kinds
// without an override keep the package defaults.
func (c *Config) Policies() map[fault.Kind]recovery.Policy {
	policies := recovery.DefaultPolicies()
	for name, rc := range c.Recovery.Overrides {
		kind, ok := fault.ParseKind(name)
		if !ok {
			continue
		}
		policies[kind] = rc.policy()
	}
	return policies
}

// DefaultPolicy returns the configured default policy, or the package
// default when unset.
func (c *Config) DefaultPolicy() recovery.Policy {
	if c.Recovery.Default == nil {
		return recovery.DefaultPolicy()
	}
	return c.Recovery.Default.policy()
}

// policy translates one RetryConfig into a recovery.Policy.
func (rc RetryConfig) policy() recovery.Policy {
	var b recovery.Backoff
	switch rc.Backoff {
	case "exponential":
		b = recovery.Exponential(rc.Initial.Std(), rc.Factor, rc.Max.Std())
	case "linear":
		b = recovery.Linear(rc.Initial.Std(), rc.Increment.Std(), rc.Max.Std())
	default:
		b = recovery.Fixed(rc.Initial.Std())
	}

	var fb recovery.Fallback
	switch rc.Fallback {
	case "skip":
		fb.Kind = recovery.FallbackSkip
	case "simplify":
		fb.Kind = recovery.FallbackSimplify
	case "revert":
		fb.Kind = recovery.FallbackRevert
	case "use_alternate":
		fb.Kind = recovery.FallbackUseAlternate
		fb.AlternateID = rc.AlternateID
	case "subdivide":
		fb.Kind = recovery.FallbackSubdivide
	default:
		fb.Kind = recovery.FallbackAbort
	}

	return recovery.Policy{MaxRetries: rc.MaxRetries, Backoff: b, Fallback: fb}
}
