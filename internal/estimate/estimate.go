// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package estimate predicts how long a fleet will take to drain a job list by
// running a discrete-event simulation of the dispatch loop.
package estimate

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/addrummond/heap"
	"github.com/gammazero/deque"
)

// Timings are the expected durations of a dispatch's phases.
type Timings struct {
	// MaxJitter bounds the uniform random delay before each dispatch.
	MaxJitter time.Duration
	WarmUp    time.Duration
	Collect   time.Duration
	Merge     time.Duration
}

// Config describes the fleet and job list to simulate.
type Config struct {
	Slots int
	Jobs  int
	Timings
	// FailureRate is the probability that a dispatch fails after the
	// collection phase and is requeued.
	FailureRate float64
	// MaxAttempts abandons a job after that many failures. Zero retries
	// forever, which requires FailureRate < 1.
	MaxAttempts int
	Seed        uint64
}

func (c Config) Validate() error {
	switch {
	case c.Slots < 1:
		return fmt.Errorf("need at least one slot, got %d", c.Slots)
	case c.Jobs < 0:
		return fmt.Errorf("negative job count %d", c.Jobs)
	case c.FailureRate < 0 || c.FailureRate > 1:
		return fmt.Errorf("failure rate %v outside [0, 1]", c.FailureRate)
	case c.FailureRate == 1 && c.MaxAttempts == 0:
		return fmt.Errorf("every dispatch fails and retries are unlimited")
	case c.MaxJitter < 0 || c.WarmUp < 0 || c.Collect < 0 || c.Merge < 0:
		return fmt.Errorf("negative timing in %+v", c.Timings)
	}
	return nil
}

// Estimate is the outcome of one simulated run.
type Estimate struct {
	Dispatches int
	Succeeded  int
	Abandoned  int
	// Makespan is the time from the first dispatch to the last completion.
	Makespan time.Duration
	// Busy is the total time slots spent running dispatches.
	Busy time.Duration
	// MaxConcurrency is the largest number of dispatches running at once.
	MaxConcurrency int
}

// Utilization is the fraction of available slot time spent running
// dispatches.
func (e Estimate) Utilization(slots int) float64 {
	if e.Makespan <= 0 || slots <= 0 {
		return 0
	}
	return float64(e.Busy) / (float64(e.Makespan) * float64(slots))
}

func (e Estimate) String() string {
	return fmt.Sprintf("%d dispatches, %d succeeded, %d abandoned, makespan %v",
		e.Dispatches, e.Succeeded, e.Abandoned, e.Makespan)
}

type pendingJob struct {
	id       int
	failures int
}

type completion struct {
	time   time.Duration
	slot   int
	job    pendingJob
	failed bool
}

func (a *completion) Cmp(b *completion) int {
	if c := cmp.Compare(a.time, b.time); c != 0 {
		return c
	}
	return cmp.Compare(a.slot, b.slot)
}

// Run simulates the fleet until every job has succeeded or been abandoned.
// Slots idle on an empty queue stay available for requeued jobs, as with
// consensus draining. The result is deterministic for a given Seed.
func Run(c Config) (Estimate, error) {
	if err := c.Validate(); err != nil {
		return Estimate{}, err
	}
	rng := rand.New(rand.NewPCG(c.Seed, c.Seed^0x9e3779b97f4a7c15))

	var est Estimate
	var now time.Duration
	var queue deque.Deque[pendingJob]
	var idle deque.Deque[int]
	var events heap.Heap[completion, heap.Min]
	running := 0

	for i := range c.Jobs {
		queue.PushBack(pendingJob{id: i})
	}

	dispatch := func(slot int) {
		job := queue.PopFront()
		failed := c.FailureRate > 0 && rng.Float64() < c.FailureRate
		d := c.WarmUp + c.Collect
		if c.MaxJitter > 0 {
			d += time.Duration(rng.Int64N(int64(c.MaxJitter)))
		}
		if !failed {
			d += c.Merge
		}
		est.Dispatches++
		est.Busy += d
		running++
		est.MaxConcurrency = max(est.MaxConcurrency, running)
		heap.PushOrderable(&events, completion{time: now + d, slot: slot, job: job, failed: failed})
	}

	for slot := range c.Slots {
		if queue.Len() > 0 {
			dispatch(slot)
		} else {
			idle.PushBack(slot)
		}
	}

	for {
		ev, ok := heap.PopOrderable(&events)
		if !ok {
			break
		}
		now = ev.time
		running--
		switch {
		case !ev.failed:
			est.Succeeded++
		case c.MaxAttempts > 0 && ev.job.failures+1 >= c.MaxAttempts:
			est.Abandoned++
		default:
			ev.job.failures++
			queue.PushBack(ev.job)
		}

		idle.PushBack(ev.slot)
		for queue.Len() > 0 && idle.Len() > 0 {
			dispatch(idle.PopFront())
		}
	}
	est.Makespan = now
	return est, nil
}
