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
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/lattice/pkg/status"
)

// Span attribute keys.
const (
	AttrDispatchID = "lattice.dispatch_id"
	AttrWorkflow   = "lattice.workflow"
	AttrNodeID     = "lattice.node_id"
	AttrExecutor   = "lattice.executor"
	AttrJobID      = "lattice.job_id"
	AttrStatus     = "lattice.status"
)

// Span wraps an OpenTelemetry span with status-aware helpers. A nil Span
// is valid and does nothing.
type Span struct {
	span trace.Span
}

// StartDispatch opens the span covering one dispatch.
func StartDispatch(ctx context.Context, tracer trace.Tracer, dispatchID, workflow string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, "dispatch "+workflow,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrDispatchID, dispatchID),
			attribute.String(AttrWorkflow, workflow),
		),
	)
	return ctx, &Span{span: span}
}

// StartNode opens the span covering one node execution.
func StartNode(ctx context.Context, tracer trace.Tracer, nodeID, executor string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, "node "+nodeID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrNodeID, nodeID),
			attribute.String(AttrExecutor, executor),
		),
	)
	return ctx, &Span{span: span}
}

// SetJob records the backend job id of an async node.
func (s *Span) SetJob(jobID string) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.String(AttrJobID, jobID))
}

// AddEvent records a timestamped event.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Finish sets the final status and ends the span. err, if set, is
// recorded on the span.
func (s *Span) Finish(st status.Status, err error) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.String(AttrStatus, st.String()))
	switch {
	case err != nil:
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	case st == status.Completed:
		s.span.SetStatus(codes.Ok, "")
	case st == status.Failed || st == status.PostprocessingFailed:
		s.span.SetStatus(codes.Error, st.String())
	}
	s.span.End()
}

// End ends the span without touching its status.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.span.End()
}

// TraceID returns the trace ID as a string.
func (s *Span) TraceID() string {
	if s == nil {
		return ""
	}
	return s.span.SpanContext().TraceID().String()
}
