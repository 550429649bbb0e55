// Package config loads the heapguard tool configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/orizon-lang/heapguard/internal/allocator"
	"github.com/orizon-lang/heapguard/internal/backing"
	hgerrors "github.com/orizon-lang/heapguard/internal/errors"
	"github.com/orizon-lang/heapguard/internal/tracker"
)

const (
	// SchemaVersion is written by this build; files must satisfy SchemaConstraint.
	SchemaVersion    = "1.0.0"
	SchemaConstraint = "^1"

	HeapArena = "arena"
	HeapGo    = "go"

	maxArenas = 256
)

// Config is the on-disk configuration. Pointer fields are optional; nil
// keeps the compiled-in default.
type Config struct {
	Schema        string        `yaml:"schema"`
	Heap          string        `yaml:"heap"`
	NArenas       int           `yaml:"narenas"`
	HeapLimit     uint64        `yaml:"heap_limit"`
	Tracking      *bool         `yaml:"tracking"`
	OverflowCheck *bool         `yaml:"overflow_check"`
	StatsOptions  *string       `yaml:"stats_options"`
	TrimInterval  time.Duration `yaml:"trim_interval"`
	ControlDir    string        `yaml:"control_dir"`
	DebugAddr     string        `yaml:"debug_addr"`
	LogLevel      string        `yaml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Schema:   SchemaVersion,
		Heap:     HeapArena,
		NArenas:  backing.DefaultArenas,
		LogLevel: "info",
	}
}

// Load reads path. A missing file yields Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and returns the first problem found.
func (c *Config) Validate() error {
	v, err := semver.NewVersion(c.Schema)
	if err != nil {
		return hgerrors.InvalidConfig("schema", err.Error())
	}
	constraint, err := semver.NewConstraint(SchemaConstraint)
	if err != nil {
		return fmt.Errorf("schema constraint: %w", err)
	}
	if !constraint.Check(v) {
		return hgerrors.InvalidConfig("schema", fmt.Sprintf("version %s does not satisfy %s", v, SchemaConstraint))
	}

	switch c.Heap {
	case HeapArena:
		if c.NArenas < 1 || c.NArenas > maxArenas {
			return hgerrors.InvalidConfig("narenas", fmt.Sprintf("must be in [1, %d], got %d", maxArenas, c.NArenas))
		}
	case HeapGo:
	default:
		return hgerrors.InvalidConfig("heap", fmt.Sprintf("unknown heap %q", c.Heap))
	}

	if c.StatsOptions != nil {
		for _, r := range *c.StatsOptions {
			if !strings.ContainsRune("gmab", r) {
				return hgerrors.InvalidConfig("stats_options", fmt.Sprintf("unknown section letter %q", r))
			}
		}
	}
	if c.TrimInterval < 0 {
		return hgerrors.InvalidConfig("trim_interval", "must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return hgerrors.InvalidConfig("log_level", err.Error())
	}
	return nil
}

// NewHeap builds the configured backing heap.
func (c *Config) NewHeap(logger *zap.Logger) backing.Heap {
	if c.Heap == HeapGo {
		return backing.NewGoHeap(uintptr(c.HeapLimit))
	}
	return backing.NewArenaHeap(backing.WithArenas(c.NArenas), backing.WithArenaLogger(logger))
}

// AllocatorOptions translates the file settings into allocator options.
func (c *Config) AllocatorOptions(logger *zap.Logger, t tracker.Tracker) []allocator.Option {
	opts := []allocator.Option{allocator.WithLogger(logger), allocator.WithTracker(t)}
	if c.Tracking != nil {
		opts = append(opts, allocator.WithTracking(*c.Tracking))
	}
	if c.OverflowCheck != nil {
		opts = append(opts, allocator.WithOverflowCheck(*c.OverflowCheck))
	}
	if c.StatsOptions != nil {
		opts = append(opts, allocator.WithStatsOptions(*c.StatsOptions))
	}
	return opts
}
