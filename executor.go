// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxJitter bounds the random delay before each dispatch, which keeps
// slots from launching simulators at the same instant.
const DefaultMaxJitter = 15 * time.Second

// SlotState is the position of a worker slot in its dispatch loop.
type SlotState int32

const (
	SlotIdle SlotState = iota
	SlotDispatching
	SlotAwaitingResult
	SlotRequeueing
	SlotDone
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotDispatching:
		return "dispatching"
	case SlotAwaitingResult:
		return "awaiting-result"
	case SlotRequeueing:
		return "requeueing"
	case SlotDone:
		return "done"
	default:
		return fmt.Sprintf("SlotState(%d)", int32(s))
	}
}

// SlotReport counts what one slot did.
type SlotReport struct {
	Slot          SlotIdentity
	Dispatches    int
	Succeeded     int
	Requeued      int
	Abandoned     int
	TimedOut      int
	MergeFailures int
	// Err is the reason the slot stopped early, if it did.
	Err error
}

// Executor is the dispatch loop of one worker slot.
type Executor struct {
	slot        SlotIdentity
	queue       *JobQueue
	supervisor  *Supervisor
	maxJitter   time.Duration
	maxAttempts int
	rt          Runtime
	state       atomic.Int32
}

// NewExecutor binds a slot to the shared queue. maxAttempts <= 0 retries a
// failing job forever.
func NewExecutor(slot SlotIdentity, queue *JobQueue, supervisor *Supervisor, maxJitter time.Duration, maxAttempts int) *Executor {
	return &Executor{
		slot:        slot,
		queue:       queue,
		supervisor:  supervisor,
		maxJitter:   maxJitter,
		maxAttempts: maxAttempts,
		rt:          supervisor.rt,
	}
}

func (e *Executor) Slot() SlotIdentity {
	return e.slot
}

func (e *Executor) State() SlotState {
	return SlotState(e.state.Load())
}

func (e *Executor) setState(s SlotState) {
	e.state.Store(int32(s))
}

func (e *Executor) jitter() time.Duration {
	if e.maxJitter <= 0 {
		return 0
	}
	return rand.N(e.maxJitter)
}

// Run dispatches jobs until the queue is drained, the context is canceled, or
// the slot cannot start processes. A job in hand when Run stops early is put
// back on the queue.
func (e *Executor) Run(ctx context.Context) SlotReport {
	report := SlotReport{Slot: e.slot}
	logger := e.rt.Logger.With(zap.Stringer("slot", e.slot))
	slotName := e.slot.String()
	defer e.setState(SlotDone)

	for {
		e.setState(SlotIdle)
		d, ok, err := e.queue.Next(ctx)
		if err != nil {
			report.Err = err
			return report
		}
		if !ok {
			logger.Info("queue drained, slot exiting")
			return report
		}

		e.setState(SlotDispatching)
		if err := sleep(ctx, e.rt, e.jitter()); err != nil {
			e.queue.Requeue(d)
			report.Err = err
			return report
		}

		e.setState(SlotAwaitingResult)
		report.Dispatches++
		start := e.rt.Clock.Now()
		jctx, span := e.rt.Telemetry.StartJob(ctx, slotName, d.Job.Name, d.Attempt)
		res := e.supervisor.Execute(jctx, d.Job, e.slot)
		failure := res.Failure()
		e.rt.Telemetry.EndJob(jctx, span, slotName, res.Label(), e.rt.Clock.Since(start), failure)

		if res.Collector.Kind == OutcomeTimedOut {
			report.TimedOut++
		}
		if res.MergeFailed() {
			report.MergeFailures++
		}

		switch {
		case res.Succeeded():
			e.queue.Complete(d)
			report.Succeeded++
			logger.Info("collection succeeded", zap.String("job", d.Job.Name), zap.Int("attempt", d.Attempt))

		case errors.Is(res.Err, ErrSpawn) || errors.Is(res.Err, ErrSetup):
			e.queue.Requeue(d)
			report.Err = fmt.Errorf("slot %v: %w", e.slot, res.Err)
			logger.Error("slot aborting, fleet continues without it",
				zap.String("job", d.Job.Name), zap.Error(res.Err))
			return report

		case ctx.Err() != nil:
			e.queue.Requeue(d)
			report.Err = ctx.Err()
			return report

		case e.maxAttempts > 0 && d.Attempt >= e.maxAttempts:
			e.queue.Abandon(d)
			report.Abandoned++
			e.rt.Telemetry.JobAbandoned(ctx, slotName)
			logger.Error("collection failed, attempt limit reached, abandoning",
				zap.String("job", d.Job.Name), zap.Int("attempt", d.Attempt), zap.Error(failure))

		default:
			e.setState(SlotRequeueing)
			e.queue.Requeue(d)
			report.Requeued++
			e.rt.Telemetry.JobRequeued(ctx, slotName)
			logger.Warn("collection was unsuccessful, rescheduling",
				zap.String("job", d.Job.Name), zap.Int("attempt", d.Attempt),
				zap.String("result", res.Label()), zap.Error(failure))
		}
	}
}

func sleep(ctx context.Context, rt Runtime, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-rt.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
