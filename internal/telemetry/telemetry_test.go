// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	rec    *Recorder
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

func newHarness(t *testing.T) harness {
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	rec, err := New(
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
	)
	require.NoError(t, err)
	return harness{rec: rec, spans: spans, reader: reader}
}

func (h harness) sums(t *testing.T) map[string]int64 {
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestRecorder_Job(t *testing.T) {
	chk := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	jctx, span := h.rec.StartJob(ctx, "0.1", "job-a", 2)
	_, err := Step(jctx, h.rec, zap.NewNop(), "collect", func(context.Context) (int, error) {
		return 0, nil
	})
	chk.NoError(err)
	h.rec.EndJob(jctx, span, "0.1", "timed-out", time.Second, errors.New("collector timed-out"))
	h.rec.JobRequeued(ctx, "0.1")

	ended := h.spans.Ended()
	chk.Len(ended, 2)
	step, dispatch := ended[0], ended[1]
	chk.Equal("collect", step.Name())
	chk.Equal("dispatch", dispatch.Name())
	chk.Equal(dispatch.SpanContext().SpanID(), step.Parent().SpanID())
	chk.Equal(codes.Error, dispatch.Status().Code)
	chk.Contains(dispatch.Attributes(), attribute.String("simfleet.job", "job-a"))
	chk.Contains(dispatch.Attributes(), attribute.Int("simfleet.attempt", 2))

	sums := h.sums(t)
	chk.Equal(int64(1), sums["simfleet.job.dispatches"])
	chk.Equal(int64(1), sums["simfleet.job.results"])
	chk.Equal(int64(1), sums["simfleet.job.requeues"])
	chk.Zero(sums["simfleet.job.abandons"])
}

func TestStep_LogsFailure(t *testing.T) {
	chk := require.New(t)
	h := newHarness(t)
	core, logs := observer.New(zap.DebugLevel)
	boom := errors.New("boom")

	v, err := Step(context.Background(), h.rec, zap.New(core), "merge", func(context.Context) (string, error) {
		return "partial", boom
	})
	chk.ErrorIs(err, boom)
	chk.Equal("partial", v)

	chk.Equal(1, logs.FilterMessage("starting step").Len())
	failed := logs.FilterMessage("step failed").All()
	chk.Len(failed, 1)
	chk.Equal("merge", failed[0].ContextMap()["step"])

	ended := h.spans.Ended()
	chk.Len(ended, 1)
	chk.Equal(codes.Error, ended[0].Status().Code)
}

func TestRecorder_NilIsSafe(t *testing.T) {
	chk := require.New(t)
	var r *Recorder
	ctx, span := r.StartJob(context.Background(), "0.0", "j", 1)
	chk.NotNil(span)
	r.EndJob(ctx, span, "0.0", "success", time.Second, nil)
	r.JobRequeued(ctx, "0.0")
	r.JobAbandoned(ctx, "0.0")
	_, err := Step(ctx, r, zap.NewNop(), "noop", func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	chk.NoError(err)
}

func TestGlobal(t *testing.T) {
	r, err := Global()
	require.NoError(t, err)
	require.NotNil(t, r)
}
