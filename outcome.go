// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// OutcomeKind classifies how waiting on an external process ended.
type OutcomeKind int

const (
	// OutcomeExited means the process exited on its own; see ExitCode.
	OutcomeExited OutcomeKind = iota
	// OutcomeTimedOut means the process outlived its deadline and was shut
	// down.
	OutcomeTimedOut
	// OutcomeCanceled means the run was canceled while the process was live.
	OutcomeCanceled
	// OutcomeNotRun means the process was never started.
	OutcomeNotRun
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeExited:
		return "exited"
	case OutcomeTimedOut:
		return "timed-out"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeNotRun:
		return "not-run"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the inspected result of one external invocation. Callers must
// check Success rather than assume it.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Duration time.Duration
}

// Success reports whether the process exited with status zero.
func (o Outcome) Success() bool {
	return o.Kind == OutcomeExited && o.ExitCode == 0
}

func (o Outcome) String() string {
	if o.Kind == OutcomeExited {
		return fmt.Sprintf("exited with status %d after %v", o.ExitCode, o.Duration)
	}
	return fmt.Sprintf("%v after %v", o.Kind, o.Duration)
}

// awaitExit waits for p to exit, for timeout to elapse (timeout <= 0 waits
// forever) or for ctx to be canceled. It never signals the process; the
// caller decides how to shut it down.
func awaitExit(ctx context.Context, clock clockwork.Clock, p Process, timeout time.Duration) Outcome {
	start := clock.Now()
	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = clock.After(timeout)
	}
	select {
	case <-p.Done():
		return Outcome{Kind: OutcomeExited, ExitCode: p.ExitCode(), Duration: clock.Since(start)}
	case <-deadline:
		return Outcome{Kind: OutcomeTimedOut, ExitCode: -1, Duration: clock.Since(start)}
	case <-ctx.Done():
		return Outcome{Kind: OutcomeCanceled, ExitCode: -1, Duration: clock.Since(start)}
	}
}
