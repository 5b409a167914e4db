// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package telemetry records OpenTelemetry metrics and spans for job
// dispatches and the steps that make them up, plus matching zap log lines.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

const instrumentationName = "github.com/petenewcomb/simfleet"

// Recorder holds the instruments used by the scheduler. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	tracer       trace.Tracer
	dispatches   metric.Int64Counter
	results      metric.Int64Counter
	requeues     metric.Int64Counter
	abandons     metric.Int64Counter
	jobDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram
}

// New creates a Recorder on the given providers.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Recorder, error) {
	meter := mp.Meter(instrumentationName)
	r := &Recorder{
		tracer: tp.Tracer(instrumentationName),
	}
	var err, e error
	r.dispatches, e = meter.Int64Counter("simfleet.job.dispatches",
		metric.WithDescription("Jobs handed to a worker slot"))
	multierr.AppendInto(&err, e)
	r.results, e = meter.Int64Counter("simfleet.job.results",
		metric.WithDescription("Finished dispatches by result"))
	multierr.AppendInto(&err, e)
	r.requeues, e = meter.Int64Counter("simfleet.job.requeues",
		metric.WithDescription("Failed dispatches returned to the queue"))
	multierr.AppendInto(&err, e)
	r.abandons, e = meter.Int64Counter("simfleet.job.abandons",
		metric.WithDescription("Jobs dropped after reaching the attempt limit"))
	multierr.AppendInto(&err, e)
	r.jobDuration, e = meter.Float64Histogram("simfleet.job.duration",
		metric.WithDescription("Wall time of one dispatch"), metric.WithUnit("s"))
	multierr.AppendInto(&err, e)
	r.stepDuration, e = meter.Float64Histogram("simfleet.step.duration",
		metric.WithDescription("Wall time of one step of a dispatch"), metric.WithUnit("s"))
	multierr.AppendInto(&err, e)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Global creates a Recorder on the globally registered otel providers.
func Global() (*Recorder, error) {
	return New(otel.GetMeterProvider(), otel.GetTracerProvider())
}

func slotAttr(slot string) attribute.KeyValue {
	return attribute.String("simfleet.slot", slot)
}

// StartJob opens the span covering one dispatch of a job.
func (r *Recorder) StartJob(ctx context.Context, slot, job string, attempt int) (context.Context, trace.Span) {
	if r == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	r.dispatches.Add(ctx, 1, metric.WithAttributes(slotAttr(slot)))
	return r.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			slotAttr(slot),
			attribute.String("simfleet.job", job),
			attribute.Int("simfleet.attempt", attempt),
		))
}

// EndJob records the result of a dispatch and closes its span.
func (r *Recorder) EndJob(ctx context.Context, span trace.Span, slot, result string, d time.Duration, err error) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(slotAttr(slot), attribute.String("simfleet.result", result))
	r.results.Add(ctx, 1, attrs)
	r.jobDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	span.End()
}

func (r *Recorder) JobRequeued(ctx context.Context, slot string) {
	if r == nil {
		return
	}
	r.requeues.Add(ctx, 1, metric.WithAttributes(slotAttr(slot)))
}

func (r *Recorder) JobAbandoned(ctx context.Context, slot string) {
	if r == nil {
		return
	}
	r.abandons.Add(ctx, 1, metric.WithAttributes(slotAttr(slot)))
}

func (r *Recorder) startStep(ctx context.Context, name string) (context.Context, trace.Span) {
	if r == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, name)
}

func (r *Recorder) endStep(ctx context.Context, span trace.Span, name string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("simfleet.step", name)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
