// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config describes a fleet. The number of slots per device is taken from
// Supervisor.Ports.SlotsPerDevice so that ports and slots cannot disagree.
type Config struct {
	// Devices lists the accelerator ids; each gets SlotsPerDevice slots.
	Devices []int
	// MaxJitter bounds the random delay before each dispatch.
	MaxJitter time.Duration
	// MaxAttempts abandons a job after that many failed dispatches. Zero
	// retries forever.
	MaxAttempts int
	Drain       DrainPolicy
	Supervisor  SupervisorConfig
}

// DefaultConfig returns a single-device fleet with the default supervisor
// settings.
func DefaultConfig() Config {
	return Config{
		Devices:    []int{0},
		MaxJitter:  DefaultMaxJitter,
		Drain:      DrainConsensus,
		Supervisor: DefaultSupervisorConfig(),
	}
}

func (c Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("%w: no devices", ErrInvalidConfig)
	}
	seen := make(map[int]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d < 0 {
			return fmt.Errorf("%w: negative device id %d", ErrInvalidConfig, d)
		}
		if seen[d] {
			return fmt.Errorf("%w: device %d listed twice", ErrInvalidConfig, d)
		}
		seen[d] = true
	}
	if c.MaxJitter < 0 {
		return fmt.Errorf("%w: negative max jitter", ErrInvalidConfig)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: negative max attempts", ErrInvalidConfig)
	}
	return c.Supervisor.Validate()
}

// Slots enumerates the worker slots in device order.
func (c Config) Slots() []SlotIdentity {
	n := c.Supervisor.Ports.SlotsPerDevice
	slots := make([]SlotIdentity, 0, len(c.Devices)*n)
	for _, d := range c.Devices {
		for i := range n {
			slots = append(slots, SlotIdentity{DeviceID: d, SlotIndex: i})
		}
	}
	return slots
}

// Report summarizes a Run.
type Report struct {
	Dispatches    int
	Succeeded     int
	Requeued      int
	Abandoned     int
	TimedOut      int
	MergeFailures int

	Slots []SlotReport
	// Pending holds the jobs that were still queued when Run returned. It is
	// empty after a full drain.
	Pending []JobSpec
}

func (r *Report) add(s SlotReport) {
	r.Dispatches += s.Dispatches
	r.Succeeded += s.Succeeded
	r.Requeued += s.Requeued
	r.Abandoned += s.Abandoned
	r.TimedOut += s.TimedOut
	r.MergeFailures += s.MergeFailures
	r.Slots = append(r.Slots, s)
}

// Scheduler runs a job list across every slot of a fleet.
type Scheduler struct {
	cfg Config
	rt  Runtime
}

// NewScheduler validates cfg and returns a Scheduler using rt.
func NewScheduler(cfg Config, rt Runtime) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, rt: rt.withDefaults()}, nil
}

// Registry returns the registry of live child processes.
func (s *Scheduler) Registry() *Registry {
	return s.rt.Registry
}

// Run distributes jobs over all slots and returns once the queue is drained
// or ctx is canceled. A slot that cannot start processes stops without
// affecting the others; its error is included in the returned error. When ctx
// is canceled every live child is shut down before Run returns, and the
// returned error matches ctx.Err().
func (s *Scheduler) Run(ctx context.Context, jobs []JobSpec) (Report, error) {
	logger := s.rt.Logger
	queue := NewJobQueue(s.cfg.Drain, jobs...)
	supervisor := NewSupervisor(s.cfg.Supervisor, s.rt)
	slots := s.cfg.Slots()
	logger.Info("starting fleet", zap.Int("slots", len(slots)), zap.Int("jobs", len(jobs)))

	finished := make(chan struct{})
	cascaded := make(chan struct{})
	go func() {
		defer close(cascaded)
		select {
		case <-ctx.Done():
			logger.Warn("fleet canceled, stopping all child processes", zap.Error(ctx.Err()))
			// Cleanup must finish even though ctx is gone.
			_ = s.rt.Registry.ShutdownAll(context.Background(), s.rt.Clock, s.cfg.Supervisor.GracePeriod, logger)
		case <-finished:
		}
	}()

	reports := make([]SlotReport, len(slots))
	var g errgroup.Group
	for i, slot := range slots {
		ex := NewExecutor(slot, queue, supervisor, s.cfg.MaxJitter, s.cfg.MaxAttempts)
		g.Go(func() error {
			reports[i] = ex.Run(ctx)
			return reports[i].Err
		})
	}
	_ = g.Wait()
	close(finished)
	<-cascaded

	var report Report
	var err error
	for _, r := range reports {
		report.add(r)
		if r.Err != nil && !errors.Is(r.Err, context.Canceled) && !errors.Is(r.Err, context.DeadlineExceeded) {
			multierr.AppendInto(&err, r.Err)
		}
	}
	report.Pending = queue.Pending()
	if ctxErr := ctx.Err(); ctxErr != nil {
		multierr.AppendInto(&err, ctxErr)
	}

	logger.Info("fleet finished",
		zap.Int("dispatches", report.Dispatches),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("requeued", report.Requeued),
		zap.Int("abandoned", report.Abandoned),
		zap.Int("merge_failures", report.MergeFailures),
		zap.Int("pending", len(report.Pending)),
		zap.Error(err))
	return report, err
}
