// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Registry tracks every live child process, grouped by the slot that owns
// it. ShutdownAll stops all of them without touching unrelated processes.
type Registry struct {
	mu   sync.Mutex
	live map[SlotIdentity]map[Process]string
}

func NewRegistry() *Registry {
	return &Registry{
		live: make(map[SlotIdentity]map[Process]string),
	}
}

// Add registers p under slot and returns a function that unregisters it.
// The returned function may be called more than once.
func (r *Registry) Add(slot SlotIdentity, role string, p Process) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	procs := r.live[slot]
	if procs == nil {
		procs = make(map[Process]string)
		r.live[slot] = procs
	}
	procs[p] = role
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if procs := r.live[slot]; procs != nil {
			delete(procs, p)
			if len(procs) == 0 {
				delete(r.live, slot)
			}
		}
	}
}

// Live returns the number of registered processes.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, procs := range r.live {
		n += len(procs)
	}
	return n
}

// LiveFor returns the number of processes registered under slot.
func (r *Registry) LiveFor(slot SlotIdentity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live[slot])
}

type registered struct {
	slot SlotIdentity
	role string
	proc Process
}

func (r *Registry) snapshot() []registered {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []registered
	for slot, procs := range r.live {
		for p, role := range procs {
			all = append(all, registered{slot: slot, role: role, proc: p})
		}
	}
	return all
}

// ShutdownAll runs the two-phase shutdown on every registered process
// concurrently and waits for all of them. Processes stay registered until
// their owners remove them.
func (r *Registry) ShutdownAll(ctx context.Context, clock clockwork.Clock, grace time.Duration, logger *zap.Logger) error {
	all := r.snapshot()
	if len(all) == 0 {
		return nil
	}
	logger.Warn("shutting down all live processes", zap.Int("count", len(all)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	wg.Add(len(all))
	for _, reg := range all {
		go func() {
			defer wg.Done()
			err := shutdown(ctx, clock, reg.proc, grace)
			if err != nil {
				logger.Error("shutdown failed",
					zap.Stringer("slot", reg.slot),
					zap.String("role", reg.role),
					zap.Int("pid", reg.proc.Pid()),
					zap.Error(err))
				mu.Lock()
				multierr.AppendInto(&errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}
