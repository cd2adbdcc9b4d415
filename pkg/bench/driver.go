// Package bench runs a workload repeatedly inside counter sessions and logs
// one sample line per iteration.
package bench

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pocket-bench/pocket/pkg/logging"
	"github.com/pocket-bench/pocket/pkg/metrics"
	"github.com/pocket-bench/pocket/pkg/perf"
	"github.com/pocket-bench/pocket/pkg/sink"
	"go.uber.org/zap"
)

// Workload is one unit of measured work.
type Workload func(ctx context.Context) error

// DriverConfig wires a driver to its collaborators.
type DriverConfig struct {
	// Opener opens counters. Nil uses perf.DefaultOpener.
	Opener perf.Opener
	Sink   *sink.Sink
	// RunLabel names the result directory.
	RunLabel string
	// Timestamp goes into the log file name. Zero uses the time of NewDriver.
	Timestamp time.Time
}

// Report summarizes a batch. Samples holds the lines that were logged.
type Report struct {
	Iterations int
	Completed  int
	Duration   time.Duration
	Samples    [][]uint64
}

// Driver runs batches for a single run identity.
type Driver struct {
	opener    perf.Opener
	sink      *sink.Sink
	label     string
	timestamp time.Time
}

// NewDriver validates cfg and fixes the run timestamp.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Sink == nil {
		return nil, errors.New("bench: driver needs a result sink")
	}
	if err := sink.ValidateLabel(cfg.RunLabel); err != nil {
		return nil, fmt.Errorf("bench: %w", err)
	}
	d := &Driver{
		opener:    cfg.Opener,
		sink:      cfg.Sink,
		label:     cfg.RunLabel,
		timestamp: cfg.Timestamp,
	}
	if d.opener == nil {
		d.opener = perf.DefaultOpener
	}
	if d.timestamp.IsZero() {
		d.timestamp = time.Now()
	}
	return d, nil
}

// RunIdentity identifies the log file of counter set id for this driver.
func (d *Driver) RunIdentity(id perf.CounterSetID) sink.RunIdentity {
	return sink.RunIdentity{Label: d.label, Timestamp: d.timestamp, CounterSet: id}
}

// Run runs workload iterations times, each inside its own counter session
// on set, and appends the samples of every successful iteration. The first
// failure stops the batch: that iteration's session is still stopped and
// released, its samples are not logged, and later iterations never run.
// The report is returned on failure too.
func (d *Driver) Run(ctx context.Context, iterations int, set perf.CounterSetID, workload Workload) (*Report, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("bench: iterations must be positive, got %d", iterations)
	}
	if _, err := perf.Lookup(set); err != nil {
		return nil, err
	}

	run := d.RunIdentity(set)
	setLabel := strconv.Itoa(int(set))
	report := &Report{Iterations: iterations}
	logger := logging.Logger().With(
		zap.String("run", run.Label),
		zap.Int("counterSet", int(set)))

	start := time.Now()
	for i := range iterations {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			metrics.Iterations.WithLabelValues(setLabel, "failed").Inc()
			return report, fmt.Errorf("iteration %d: %w", i+1, err)
		}

		samples, err := d.iterate(ctx, set, setLabel, workload)
		if err == nil {
			err = d.sink.Append(run, samples)
		}
		if err != nil {
			report.Duration = time.Since(start)
			metrics.Iterations.WithLabelValues(setLabel, "failed").Inc()
			logger.Error("Iteration failed, aborting batch",
				zap.Int("iteration", i+1),
				zap.Int("completed", report.Completed),
				zap.Error(err))
			return report, fmt.Errorf("iteration %d: %w", i+1, err)
		}

		report.Completed++
		report.Samples = append(report.Samples, samples)
		metrics.Iterations.WithLabelValues(setLabel, "ok").Inc()
		logger.Debug("Iteration sampled",
			zap.Int("iteration", i+1),
			zap.String("samples", sink.FormatLine(samples)))
	}
	report.Duration = time.Since(start)

	logger.Info("Benchmark batch finished",
		zap.Int("iterations", report.Completed),
		zap.Duration("inference_time", report.Duration),
		zap.String("log", d.sink.Path(run)))
	return report, nil
}

// iterate brackets one workload call with a counter session.
func (d *Driver) iterate(ctx context.Context, set perf.CounterSetID, setLabel string, workload Workload) ([]uint64, error) {
	var elapsed time.Duration
	samples, err := perf.Measure(d.opener, set, func() error {
		t := time.Now()
		err := workload(ctx)
		elapsed = time.Since(t)
		return err
	})
	if elapsed > 0 {
		metrics.IterationDuration.WithLabelValues(setLabel).Observe(elapsed.Seconds())
	}
	return samples, err
}
