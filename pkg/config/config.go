// Package config resolves benchmark settings from the environment once at
// startup and validates them before anything runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pocket-bench/pocket/pkg/compute"
	"github.com/pocket-bench/pocket/pkg/logging"
	"github.com/pocket-bench/pocket/pkg/offload"
	"github.com/pocket-bench/pocket/pkg/perf"
	"github.com/pocket-bench/pocket/pkg/serializer"
	"github.com/pocket-bench/pocket/pkg/sink"
	"github.com/pocket-bench/pocket/pkg/transport"
	"go.uber.org/multierr"
)

// Workload kinds.
const (
	WorkloadLocal   = "local"
	WorkloadOffload = "offload"
)

// Config holds everything the benchmark binary needs.
type Config struct {
	CounterSet perf.CounterSetID
	RunLabel   string
	BaseDir    string
	Iterations int
	Workload   string
	Operation  string
	MatrixSize int
	// Model, when Model.Path is set, replaces Operation as the local workload.
	Model ModelConfig

	Offload offload.Options

	Hold        bool
	MetricsAddr string
	Log         logging.Config
}

// ModelConfig locates an ONNX model and describes its single input.
type ModelConfig struct {
	Path       string
	Library    string
	InputName  string
	OutputName string
	InputShape []int
}

// Default returns the configuration used when no variables are set.
func Default() *Config {
	return &Config{
		CounterSet: 0,
		RunLabel:   "default",
		BaseDir:    sink.DefaultBaseDir,
		Iterations: 10,
		Workload:   WorkloadLocal,
		Operation:  "matmul",
		MatrixSize: 256,
		Model: ModelConfig{
			InputName:  "input",
			OutputName: "output",
			InputShape: []int{1, 3, 640, 640},
		},
		Offload: offload.DefaultOptions(),
		Log:     logging.Config{Level: "info", Format: "console"},
	}
}

// Load reads the environment on top of Default. It reports malformed values
// but does not validate ranges; call Validate for that.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

type lookupFunc func(key string) (string, bool)

func load(lookup lookupFunc) (*Config, error) {
	cfg := Default()
	var errs error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	set := int(cfg.CounterSet)
	integer("EVENTSET", &set)
	cfg.CounterSet = perf.CounterSetID(set)

	// NUM is the name older run scripts export.
	str("NUM", &cfg.RunLabel)
	str("RUN_LABEL", &cfg.RunLabel)
	str("MON_DIR", &cfg.BaseDir)
	integer("ITERATIONS", &cfg.Iterations)
	str("WORKLOAD", &cfg.Workload)
	str("OPERATION", &cfg.Operation)
	integer("MATMUL_SIZE", &cfg.MatrixSize)
	str("MODEL_PATH", &cfg.Model.Path)
	str("ONNXRUNTIME_LIB", &cfg.Model.Library)
	str("MODEL_INPUT", &cfg.Model.InputName)
	str("MODEL_OUTPUT", &cfg.Model.OutputName)
	if v, ok := lookup("MODEL_SHAPE"); ok {
		shape, err := parseShape(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("MODEL_SHAPE: %w", err))
		} else {
			cfg.Model.InputShape = shape
		}
	}

	str("OFFLOAD_NETWORK", &cfg.Offload.Network)
	str("OFFLOAD_ADDR", &cfg.Offload.Address)
	duration("OFFLOAD_TIMEOUT", &cfg.Offload.Timeout)
	duration("OFFLOAD_DETACH_TIMEOUT", &cfg.Offload.DetachTimeout)
	str("OFFLOAD_CODEC", &cfg.Offload.Serializer)

	boolean("HOLD", &cfg.Hold)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	cfg.Workload = strings.ToLower(cfg.Workload)
	cfg.Offload.Network = strings.ToLower(cfg.Offload.Network)
	cfg.Offload.Serializer = strings.ToLower(cfg.Offload.Serializer)
	return cfg, errs
}

// Validate rejects anything outside the recognised options. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if _, err := perf.Lookup(c.CounterSet); err != nil {
		fail("EVENTSET: %w", err)
	}
	if err := sink.ValidateLabel(c.RunLabel); err != nil {
		fail("RUN_LABEL: %w", err)
	}
	if c.BaseDir == "" {
		fail("MON_DIR: must not be empty")
	}
	if c.Iterations <= 0 {
		fail("ITERATIONS: must be positive, got %d", c.Iterations)
	}
	switch c.Workload {
	case WorkloadLocal, WorkloadOffload:
	default:
		fail("WORKLOAD: %q is not one of %s, %s", c.Workload, WorkloadLocal, WorkloadOffload)
	}
	if c.LocalModel() {
		if c.Model.InputName == "" || c.Model.OutputName == "" {
			fail("MODEL_INPUT, MODEL_OUTPUT: tensor names must not be empty")
		}
		if len(c.Model.InputShape) == 0 {
			fail("MODEL_SHAPE: must not be empty")
		}
	} else if _, err := compute.Builtins().Lookup(c.Operation); err != nil {
		fail("OPERATION: %w", err)
	}
	if c.MatrixSize <= 0 || c.MatrixSize > compute.MaxMatrixSize {
		fail("MATMUL_SIZE: must be in [1, %d], got %d", compute.MaxMatrixSize, c.MatrixSize)
	}

	switch c.Offload.Network {
	case transport.NetworkUnix, transport.NetworkUDP:
	default:
		fail("OFFLOAD_NETWORK: %q is not one of %s, %s", c.Offload.Network, transport.NetworkUnix, transport.NetworkUDP)
	}
	if c.Offload.Address == "" {
		fail("OFFLOAD_ADDR: must not be empty")
	}
	if c.Offload.Timeout <= 0 {
		fail("OFFLOAD_TIMEOUT: must be positive, got %v", c.Offload.Timeout)
	}
	if c.Offload.DetachTimeout < 0 {
		fail("OFFLOAD_DETACH_TIMEOUT: must not be negative, got %v", c.Offload.DetachTimeout)
	}
	if _, err := serializer.ByName(c.Offload.Serializer); err != nil {
		fail("OFFLOAD_CODEC: %w", err)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		fail("LOG_LEVEL: %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		fail("LOG_FORMAT: %q is not one of console, json", c.Log.Format)
	}
	return errs
}

// LocalModel reports whether the local workload is an ONNX model.
func (c *Config) LocalModel() bool {
	return c.Workload == WorkloadLocal && c.Model.Path != ""
}

// parseShape reads a comma-separated list of positive dimensions.
func parseShape(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	shape := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("dimension %d is not positive", d)
		}
		shape = append(shape, d)
	}
	return shape, nil
}
