// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Step runs fn as a named step of a dispatch. It opens a child span, records
// the step duration and logs start and completion, at error level if fn
// returns an error. The value returned by fn is passed through untouched.
func Step[T any](
	ctx context.Context,
	r *Recorder,
	logger *zap.Logger,
	name string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	ctx, span := r.startStep(ctx, name)
	logger.Debug("starting step", zap.String("step", name))

	startTime := time.Now()
	result, err := fn(ctx)
	duration := time.Since(startTime)

	r.endStep(ctx, span, name, duration, err)
	if err != nil {
		logger.Error("step failed",
			zap.String("step", name),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		logger.Debug("step completed",
			zap.String("step", name),
			zap.Duration("duration", duration))
	}
	return result, err
}
