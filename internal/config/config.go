// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads the instruction tracing configuration and applies it
// to the trace service.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/emustack/itrace/pkg/addrrange"
	"github.com/emustack/itrace/pkg/trace"
)

// Config is the YAML tracing configuration.
type Config struct {
	// Backend selects the serialization backend kind.
	Backend string `yaml:"backend"`

	// BufferSize is the per-CPU entry ring capacity. Zero keeps the
	// default.
	BufferSize int `yaml:"buffer_size"`

	// Buffered starts every CPU in buffered (flush-driven) mode.
	Buffered bool `yaml:"buffered"`

	// TraceDebug enables per-CPU statistics dumps at sync time.
	TraceDebug bool `yaml:"trace_debug"`

	// Filters is the comma-separated startup filter spec.
	Filters string `yaml:"filters"`

	// DFilter restricts tracing to address ranges, in the familiar
	// "start-end[,start+len...]" syntax.
	DFilter string `yaml:"dfilter"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{Backend: trace.BackendText.String()}
}

// Load reads and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse validates a raw YAML document.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values without touching any tracer state.
func (c Config) Validate() error {
	if _, err := trace.ParseBackendKind(c.Backend); err != nil {
		return err
	}
	if c.BufferSize != 0 && c.BufferSize < trace.MinEntryBufferSize {
		return fmt.Errorf("buffer_size %d is below the minimum %d",
			c.BufferSize, trace.MinEntryBufferSize)
	}
	if c.DFilter != "" {
		if _, err := addrrange.Parse(c.DFilter); err != nil {
			return err
		}
	}
	return nil
}

// TracerOptions converts the construction-time part of the configuration
// into tracer options.
func (c Config) TracerOptions() ([]trace.Option, error) {
	kind, err := trace.ParseBackendKind(c.Backend)
	if err != nil {
		return nil, err
	}
	opts := []trace.Option{trace.WithBackend(kind)}

	if c.DFilter != "" {
		regions, err := addrrange.Parse(c.DFilter)
		if err != nil {
			return nil, err
		}
		opts = append(opts, trace.WithDebugRegions(regions))
	}
	return opts, nil
}

// Apply installs the runtime part of the configuration on a tracer:
// startup filters, buffer size and debug statistics. It may be called again
// when the configuration is reloaded.
func (c Config) Apply(t *trace.Tracer) error {
	if c.Filters != "" {
		if err := t.SetCLIFilters(c.Filters); err != nil {
			return err
		}
	}
	if c.BufferSize != 0 {
		t.SetBufferSize(c.BufferSize)
	}
	if c.TraceDebug {
		t.EnableTraceDebug()
	}
	return nil
}
