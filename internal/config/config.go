// Package config loads cmd/hsxd's host configuration from an optional YAML
// file (spec.md §9 "host-wide limits"), grounded on the pack's
// thane-ai-agent-style config-struct-plus-yaml.v3 convention: a plain
// struct with yaml tags, defaults applied in code before the file (if any)
// overrides them.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is cmd/hsxd's full set of host-wide tunables.
type Config struct {
	// Listen is the RPC server's TCP bind address (spec.md §6).
	Listen string `yaml:"listen"`

	// MaxDescriptors bounds the mailbox descriptor pool (spec.md §4.3).
	MaxDescriptors int `yaml:"max_descriptors"`

	// Quantum is a per-task instruction budget (spec.md GLOSSARY
	// "Quantum"). It is loaded and defaulted here, but cmd/hsxd does not
	// pass it on: the scheduler always uses executive.DefaultQuantum.
	Quantum uint32 `yaml:"quantum"`

	// TraceCapacity is a per-task trace ring capacity (spec.md §3 "Trace
	// record"). It is loaded and defaulted here, but cmd/hsxd does not pass
	// it on: a trace ring takes its capacity from the `trace` RPC call that
	// enables it, or internal/executive's hard max when created lazily.
	TraceCapacity int `yaml:"trace_capacity"`

	// EventHistory bounds the event bus's replay history (spec.md §4.7).
	EventHistory int `yaml:"event_history"`

	// ClockHz is the auto-clock loop's default instruction rate; 0 means
	// unthrottled (spec.md §5 "the period implied by the configured
	// instruction rate").
	ClockHz int `yaml:"clock_hz"`

	// MetricsListen is the Prometheus `/metrics` HTTP bind address; empty
	// disables it.
	MetricsListen string `yaml:"metrics_listen"`
}

// Default returns the configuration cmd/hsxd runs with when no file is
// given or the file omits a field.
func Default() Config {
	return Config{
		Listen:         "127.0.0.1:7070",
		MaxDescriptors: 256,
		Quantum:        1000,
		TraceCapacity:  1024,
		EventHistory:   4096,
		ClockHz:        0,
		MetricsListen:  "127.0.0.1:9070",
	}
}

// Load reads path, merging it over Default(). A missing file is not an
// error — the file is optional per spec.md §9; every other read/parse
// failure is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
