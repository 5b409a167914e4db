// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultGracePeriod is how long Shutdown waits after a graceful
// termination request before killing.
const DefaultGracePeriod = 10 * time.Second

// Shutdown stops p in two phases: a graceful termination request, then, if p
// is still alive after grace, a forced kill followed by an unconditional wait
// for exit. A process that has already exited, or exits between the phases,
// is not an error. Canceling ctx cuts the grace period short but does not
// skip the kill or the final wait.
//
// Shutdown is safe to call more than once and from several goroutines.
func Shutdown(ctx context.Context, p Process, grace time.Duration) error {
	return shutdown(ctx, clockwork.NewRealClock(), p, grace)
}

func shutdown(ctx context.Context, clock clockwork.Clock, p Process, grace time.Duration) error {
	if err := p.Terminate(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-p.Done()
			return nil
		}
		// The graceful request could not be delivered; go straight to the
		// kill.
		grace = 0
	}

	if grace > 0 {
		select {
		case <-p.Done():
			return nil
		case <-clock.After(grace):
		case <-ctx.Done():
		}
	} else {
		select {
		case <-p.Done():
			return nil
		default:
		}
	}

	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	<-p.Done()
	return nil
}
