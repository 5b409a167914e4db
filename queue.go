// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
	"github.com/petenewcomb/simfleet/internal/state"
)

// DrainPolicy decides when a worker gives up on an empty queue.
type DrainPolicy int

const (
	// DrainConsensus keeps workers waiting on an empty queue while any job
	// is still in flight, so that a late requeue is picked up by an idle
	// worker. The run ends only when the queue is empty and nothing is in
	// flight.
	DrainConsensus DrainPolicy = iota
	// DrainEager lets each worker exit as soon as it observes an empty
	// queue. A job requeued after other workers have exited runs on fewer
	// slots than the fleet has.
	DrainEager
)

// Dispatch is a job handed to a worker together with its attempt number,
// which starts at one.
type Dispatch struct {
	Job     JobSpec
	Attempt int
}

type queueEntry struct {
	job      JobSpec
	attempts int
}

// JobQueue is the shared queue of pending jobs. Every pop and append happens
// under one mutex, and a popped job is counted as in flight until the worker
// reports it complete, requeued or abandoned. The pending jobs plus the
// in-flight count are therefore conserved across retries.
type JobQueue struct {
	mu       sync.Mutex
	pending  deque.Deque[queueEntry]
	inFlight state.Counter
	changed  state.Signal
	policy   DrainPolicy
}

// NewJobQueue returns a queue holding jobs in order.
func NewJobQueue(policy DrainPolicy, jobs ...JobSpec) *JobQueue {
	q := &JobQueue{policy: policy}
	for _, j := range jobs {
		q.pending.PushBack(queueEntry{job: j})
	}
	return q
}

// Push appends a fresh job to the tail.
func (q *JobQueue) Push(job JobSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.PushBack(queueEntry{job: job})
	q.changed.Broadcast()
}

// Next pops the job at the head of the queue. When the queue is empty it
// returns ok == false under DrainEager, and under DrainConsensus it waits
// until either a job is requeued or nothing is left in flight. It returns
// ctx.Err() if ctx is canceled while waiting.
func (q *JobQueue) Next(ctx context.Context) (d Dispatch, ok bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return Dispatch{}, false, err
		}
		q.mu.Lock()
		if q.pending.Len() > 0 {
			e := q.pending.PopFront()
			q.inFlight.Increment()
			q.mu.Unlock()
			return Dispatch{Job: e.job, Attempt: e.attempts + 1}, true, nil
		}
		if q.policy == DrainEager || q.inFlight.IsZero() {
			q.mu.Unlock()
			return Dispatch{}, false, nil
		}
		changed := q.changed.Wait()
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Dispatch{}, false, ctx.Err()
		}
	}
}

// Complete ends a dispatch that succeeded.
func (q *JobQueue) Complete(d Dispatch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release()
}

// Requeue ends a failed dispatch and appends the same job to the tail in
// one step, so no other worker can observe it as neither queued nor in
// flight.
func (q *JobQueue) Requeue(d Dispatch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.PushBack(queueEntry{job: d.Job, attempts: d.Attempt})
	q.release()
	q.changed.Broadcast()
}

// Abandon ends a dispatch without requeueing. It is used only when an
// attempt limit is configured.
func (q *JobQueue) Abandon(d Dispatch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release()
}

func (q *JobQueue) release() {
	if q.inFlight.Decrement() {
		q.changed.Broadcast()
	}
}

// Len returns the number of pending jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// InFlight returns the number of dispatched jobs not yet released.
func (q *JobQueue) InFlight() int {
	return q.inFlight.Load()
}

// Pending returns a copy of the pending jobs in dispatch order.
func (q *JobQueue) Pending() []JobSpec {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]JobSpec, q.pending.Len())
	for i := range jobs {
		jobs[i] = q.pending.At(i).job
	}
	return jobs
}
