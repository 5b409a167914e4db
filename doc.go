// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package simfleet runs a fleet of driving-simulator data collection jobs
// across accelerator devices. Each device hosts a fixed number of worker
// slots, and each slot repeatedly takes a job from a shared queue, starts a
// simulator on its own pair of ports, waits for it to warm up, runs a
// collector against it and, if collection succeeds, merges the collected
// data into the job's dataset directory.
//
// Failed jobs go back to the tail of the queue and are retried on whichever
// slot frees up next, so a run ends only when every job has succeeded (or,
// when an attempt limit is configured, been abandoned). Every child process
// is stopped with a two-phase shutdown: a polite termination request, a grace
// period, then a forced kill. Canceling the context given to [Scheduler.Run]
// cascades that shutdown to every child still alive.
//
// Process creation goes through the [Launcher] interface and all waiting
// goes through an injected clock, so the scheduling logic can be exercised
// with fake processes and fake time.
package simfleet
