// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/lattice/pkg/status"
)

func enabledProvider(t *testing.T) (*Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	cfg := DefaultConfig()
	cfg.Enabled = true
	p, err := NewProvider(context.Background(), cfg, nil, sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, exporter
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		out[string(a.Key)] = a.Value.Emit()
	}
	return out
}

func TestProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), DefaultConfig(), nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := StartDispatch(context.Background(), p.Tracer("test"), "d1", "wf")
	span.Finish(status.Completed, nil)
	assert.False(t, trace.SpanContextFromContext(context.Background()).IsValid())
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDispatchAndNodeSpans(t *testing.T) {
	p, exporter := enabledProvider(t)
	tracer := p.Tracer("runner")

	ctx, dspan := StartDispatch(context.Background(), tracer, "d1", "pipeline")
	_, nspan := StartNode(ctx, tracer, "a", "process")
	nspan.SetJob("job-1")
	nspan.Finish(status.Failed, errors.New("boom"))
	dspan.Finish(status.Failed, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	node, dispatch := spans[0], spans[1]
	assert.Equal(t, "node a", node.Name)
	assert.Equal(t, dispatch.SpanContext.SpanID(), node.Parent.SpanID())
	assert.Equal(t, dispatch.SpanContext.TraceID(), node.SpanContext.TraceID())

	attrs := attrMap(node.Attributes)
	assert.Equal(t, "a", attrs[AttrNodeID])
	assert.Equal(t, "process", attrs[AttrExecutor])
	assert.Equal(t, "job-1", attrs[AttrJobID])
	assert.Equal(t, "FAILED", attrs[AttrStatus])
	assert.Equal(t, codes.Error, node.Status.Code)
	assert.Equal(t, "boom", node.Status.Description)

	assert.Equal(t, "dispatch pipeline", dispatch.Name)
	assert.Equal(t, "d1", attrMap(dispatch.Attributes)[AttrDispatchID])
	assert.Equal(t, codes.Error, dispatch.Status.Code)
}

func TestSpan_CompletedIsOK(t *testing.T) {
	p, exporter := enabledProvider(t)
	_, span := StartNode(context.Background(), p.Tracer("runner"), "a", "local")
	span.Finish(status.Completed, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestNilSpan(t *testing.T) {
	var s *Span
	s.SetJob("x")
	s.AddEvent("e")
	s.Finish(status.Completed, nil)
	s.End()
	assert.Empty(t, s.TraceID())
}

func TestNewSampler(t *testing.T) {
	params := func(attrs ...attribute.KeyValue) sdktrace.SamplingParameters {
		return sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       trace.TraceID{1},
			Name:          "n",
			Attributes:    attrs,
		}
	}

	always := NewSampler(SamplingConfig{Rate: 1})
	assert.Equal(t, sdktrace.RecordAndSample, always.ShouldSample(params()).Decision)

	never := NewSampler(SamplingConfig{Rate: 0})
	assert.Equal(t, sdktrace.Drop, never.ShouldSample(params()).Decision)

	errorsOnly := NewSampler(SamplingConfig{Rate: 0, AlwaysSampleErrors: true})
	assert.Equal(t, sdktrace.Drop, errorsOnly.ShouldSample(params()).Decision)
	assert.Equal(t, sdktrace.RecordAndSample,
		errorsOnly.ShouldSample(params(attribute.Bool(ErrorAttributeKey, true))).Decision)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Sampling.Rate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Exporters = []ExporterConfig{{Type: "otlp"}}
	assert.Error(t, cfg.Validate())

	cfg.Exporters = []ExporterConfig{{Type: "zipkin", Endpoint: "x"}}
	assert.Error(t, cfg.Validate())
}

func TestCreateExporter(t *testing.T) {
	var buf bytes.Buffer
	prev := ConsoleWriter
	ConsoleWriter = &buf
	t.Cleanup(func() { ConsoleWriter = prev })

	exp, err := CreateExporter(context.Background(), ExporterConfig{Type: "console"})
	require.NoError(t, err)
	require.NotNil(t, exp)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	_, span := tp.Tracer("t").Start(context.Background(), "console-span")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "console-span")

	exp, err = CreateExporter(context.Background(), ExporterConfig{Type: "none"})
	assert.NoError(t, err)
	assert.Nil(t, exp)

	_, err = CreateExporter(context.Background(), ExporterConfig{Type: "zipkin"})
	assert.Error(t, err)

	_, err = CreateExporter(context.Background(), ExporterConfig{Type: "otlp", Endpoint: "localhost:4317", CACertPath: "/does/not/exist.pem"})
	assert.Error(t, err)
}

func TestPropagation_RoundTrip(t *testing.T) {
	p, _ := enabledProvider(t)
	ctx, span := StartDispatch(context.Background(), p.Tracer("t"), "d1", "wf")
	defer span.End()

	var got trace.SpanContext
	h := HTTPMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = trace.SpanContextFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)
	InjectHTTPHeaders(ctx, req)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, span.TraceID(), got.TraceID().String())
}

func TestInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	inst, err := NewInstruments(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	inst.JobSubmitted(ctx, "process")
	inst.JobSubmitted(ctx, "process")
	inst.Transferred(ctx, "upload", 128)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["lattice.jobs.submitted"])
	assert.Equal(t, int64(128), sums["lattice.assets.transferred"])

	var nilInst *Instruments
	nilInst.JobSubmitted(ctx, "x")
}
