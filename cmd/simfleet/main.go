// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Command simfleet runs a simulator data collection fleet described by a
// YAML or JSON file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/petenewcomb/simfleet"
	"github.com/petenewcomb/simfleet/internal/chart"
	"github.com/petenewcomb/simfleet/internal/config"
	"github.com/petenewcomb/simfleet/internal/estimate"
	"github.com/petenewcomb/simfleet/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitCanceled = 130
)

type options struct {
	configPath  string
	dryRun      bool
	logLevel    string
	dev         bool
	trace       bool
	collectTime time.Duration
	mergeTime   time.Duration
	failureRate float64
	seed        uint64
	chartPath   string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("simfleet", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "fleet.yaml", "fleet description (.yaml or .json)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "print the job list and a makespan estimate without starting processes")
	fs.StringVar(&o.logLevel, "log-level", "info", "minimum log level")
	fs.BoolVar(&o.dev, "dev", false, "human-readable development logging")
	fs.BoolVar(&o.trace, "trace", false, "print dispatch spans to stdout")
	fs.DurationVar(&o.collectTime, "estimate-collect", 5*time.Minute, "assumed collector run time for -dry-run")
	fs.DurationVar(&o.mergeTime, "estimate-merge", 30*time.Second, "assumed merge time for -dry-run")
	fs.Float64Var(&o.failureRate, "estimate-failure-rate", 0, "assumed dispatch failure probability for -dry-run")
	fs.Uint64Var(&o.seed, "estimate-seed", 1, "random seed for -dry-run")
	fs.StringVar(&o.chartPath, "chart", "", "with -dry-run, also write a makespan-versus-slots chart to this file (.svg, .png or .pdf)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return o, nil
}

func newLogger(o options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if o.dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	logger, err := newLogger(o)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load(o.configPath)
	if err != nil {
		logger.Error("failed to load configuration", zap.String("path", o.configPath), zap.Error(err))
		return exitFailure
	}
	sc, err := cfg.Scheduler()
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return exitFailure
	}
	jobs, err := cfg.Jobs(time.Now())
	if err != nil {
		logger.Error("failed to expand job list", zap.Error(err))
		return exitFailure
	}

	if o.dryRun {
		return dryRun(o, sc, jobs, stdout, logger)
	}

	if o.trace {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Error("failed to create trace exporter", zap.Error(err))
			return exitFailure
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(tp)
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("failed to flush traces", zap.Error(err))
			}
		}()
	}
	rec, err := telemetry.Global()
	if err != nil {
		logger.Error("failed to create telemetry instruments", zap.Error(err))
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := simfleet.NewScheduler(sc, simfleet.Runtime{Logger: logger, Telemetry: rec})
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return exitFailure
	}
	report, err := sched.Run(ctx, jobs)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("interrupted", zap.Int("pending", len(report.Pending)))
		return exitCanceled
	case err != nil:
		logger.Error("fleet finished with errors", zap.Error(err))
		return exitFailure
	case len(report.Pending) > 0:
		logger.Error("fleet stopped with jobs still queued", zap.Int("pending", len(report.Pending)))
		return exitFailure
	}
	return exitOK
}

func dryRun(o options, sc simfleet.Config, jobs []simfleet.JobSpec, stdout io.Writer, logger *zap.Logger) int {
	for _, j := range jobs {
		fmt.Fprintf(stdout, "%s\t%s\n", j.Name, j.Checkpoint)
	}
	slots := len(sc.Slots())
	ec := estimate.Config{
		Slots: slots,
		Jobs:  len(jobs),
		Timings: estimate.Timings{
			MaxJitter: sc.MaxJitter,
			WarmUp:    sc.Supervisor.WarmUp,
			Collect:   o.collectTime,
			Merge:     o.mergeTime,
		},
		FailureRate: o.failureRate,
		MaxAttempts: sc.MaxAttempts,
		Seed:        o.seed,
	}
	est, err := estimate.Run(ec)
	if err != nil {
		logger.Error("failed to estimate run", zap.Error(err))
		return exitFailure
	}
	fmt.Fprintf(stdout, "# %d jobs on %d slots: %v (utilization %.0f%%)\n",
		len(jobs), slots, est, 100*est.Utilization(slots))

	if o.chartPath != "" {
		if err := writeChart(o.chartPath, ec); err != nil {
			logger.Error("failed to write chart", zap.String("path", o.chartPath), zap.Error(err))
			return exitFailure
		}
		logger.Info("wrote capacity chart", zap.String("path", o.chartPath))
	}
	return exitOK
}

func writeChart(path string, ec estimate.Config) error {
	rates := []float64{0, 0.1, 0.25}
	if ec.FailureRate > 0 && !slices.Contains(rates, ec.FailureRate) {
		rates = append(rates, ec.FailureRate)
	}
	series, err := chart.Sweep(ec, max(2*ec.Slots, 8), rates)
	if err != nil {
		return err
	}
	p, err := chart.Makespan(fmt.Sprintf("%d jobs, %v collections", ec.Jobs, ec.Timings.Collect), series)
	if err != nil {
		return err
	}
	return chart.Save(p, path)
}
