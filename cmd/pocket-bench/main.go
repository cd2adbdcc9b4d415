package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocket-bench/pocket/pkg/bench"
	"github.com/pocket-bench/pocket/pkg/compute"
	"github.com/pocket-bench/pocket/pkg/config"
	"github.com/pocket-bench/pocket/pkg/logging"
	"github.com/pocket-bench/pocket/pkg/offload"
	"github.com/pocket-bench/pocket/pkg/offload/element"
	"github.com/pocket-bench/pocket/pkg/operand"
	"github.com/pocket-bench/pocket/pkg/perf"
	"github.com/pocket-bench/pocket/pkg/sink"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to read configuration: %v", err))
	}
	if err := logging.Init(&cfg.Log); err != nil {
		panic(fmt.Sprintf("Failed to initialize logging: %v", err))
	}
	defer logging.Sync()

	if err := cfg.Validate(); err != nil {
		logging.Fatal("Invalid configuration", zap.Error(err))
	}
	logging.Info("Benchmark configuration",
		zap.Int("counterSet", int(cfg.CounterSet)),
		zap.String("runLabel", cfg.RunLabel),
		zap.String("baseDir", cfg.BaseDir),
		zap.Int("iterations", cfg.Iterations),
		zap.String("workload", cfg.Workload),
		zap.String("operation", cfg.Operation))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("Benchmark failed", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	g, gctx := errgroup.WithContext(ctx)
	benchDone := make(chan struct{})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		g.Go(func() error {
			logging.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-benchDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer close(benchDone)
		return benchmark(gctx, cfg)
	})
	return g.Wait()
}

func benchmark(ctx context.Context, cfg *config.Config) (err error) {
	workload, release, err := buildWorkload(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil {
			logging.Warn("Releasing workload failed", zap.Error(rerr))
			if err == nil {
				err = rerr
			}
		}
	}()

	results := sink.New(cfg.BaseDir)
	driver, err := bench.NewDriver(bench.DriverConfig{
		Opener:   perf.DefaultOpener,
		Sink:     results,
		RunLabel: cfg.RunLabel,
	})
	if err != nil {
		return err
	}

	report, err := driver.Run(ctx, cfg.Iterations, cfg.CounterSet, workload)
	if err != nil {
		return err
	}
	logging.Info("Benchmark complete",
		zap.Int("iterations", report.Completed),
		zap.Duration("duration", report.Duration),
		zap.String("log", results.Path(driver.RunIdentity(cfg.CounterSet))))

	if cfg.Hold {
		logging.Info("Holding offload channel until interrupted")
		<-ctx.Done()
	}
	return nil
}

// buildWorkload returns the measured unit of work and a function that tears
// down whatever it holds.
func buildWorkload(cfg *config.Config) (bench.Workload, func() error, error) {
	noop := func() error { return nil }

	if cfg.Workload == config.WorkloadOffload {
		opts := cfg.Offload
		opts.Elements = []element.Element{element.LoggingElement{}, element.MetricsElement{}}
		ch, err := offload.Instance(opts)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Operation == "matmultest" {
			return bench.DispatchWorkload(ch, cfg.Operation, operand.Scalar(int64(cfg.MatrixSize))), offload.DetachInstance, nil
		}
		ev := offload.NewEvaluator(ch, cfg.Operation)
		return bench.EvaluatorWorkload(ev, inputs(cfg.Operation, cfg.MatrixSize)...), offload.DetachInstance, nil
	}

	if cfg.LocalModel() {
		ev, err := compute.NewONNXEvaluator(compute.ONNXConfig{
			ModelPath:   cfg.Model.Path,
			LibraryPath: cfg.Model.Library,
			InputName:   cfg.Model.InputName,
			OutputName:  cfg.Model.OutputName,
		})
		if err != nil {
			return nil, nil, err
		}
		shape := cfg.Model.InputShape
		size := 1
		for _, d := range shape {
			size *= d
		}
		input := compute.RandomMatrix(1, size)
		if err := input.Reshape(shape...); err != nil {
			ev.Close()
			return nil, nil, fmt.Errorf("model input shape %v: %w", shape, err)
		}
		return bench.EvaluatorWorkload(ev, input), ev.Close, nil
	}

	ev, err := compute.NewOpEvaluator(compute.Builtins(), cfg.Operation)
	if err != nil {
		return nil, nil, err
	}
	return bench.EvaluatorWorkload(ev, inputs(cfg.Operation, cfg.MatrixSize)...), noop, nil
}

// inputs builds the operands each builtin operation is benchmarked with.
func inputs(op string, n int) []*tensor.Dense {
	switch op {
	case "matmul":
		return []*tensor.Dense{compute.RandomMatrix(n, n), compute.RandomMatrix(n, n)}
	case "matmultest":
		return []*tensor.Dense{tensor.New(tensor.WithShape(1), tensor.WithBacking([]int64{int64(n)}))}
	default:
		return []*tensor.Dense{compute.RandomMatrix(1, n)}
	}
}
