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

/*
Package tracing wires OpenTelemetry into lattice.

A Provider owns the SDK tracer provider (sampler plus batch exporters)
and a meter provider backed by the OpenTelemetry Prometheus exporter, so
otel instruments appear next to the native collectors on /metrics.

# Spans

The runner opens one span per dispatch and a child span per node:

	ctx, span := tracing.StartDispatch(ctx, tracer, dispatchID, "pipeline")
	defer span.End()

	nctx, nspan := tracing.StartNode(ctx, tracer, nodeID, "process")
	nspan.Finish(status.Completed, nil)

Sub-workflow dispatches inherit the parent node's span context, so a
whole dispatch tree lands in one trace.

# Exporters

Supported exporter types are "console" (stdouttrace), "otlp" (gRPC) and
"otlp-http". With tracing disabled, Tracer returns a no-op tracer and no
exporter is created.

# Propagation

InjectHTTPHeaders and HTTPMiddleware carry W3C trace context between the
remote executor and its workers.
*/
package tracing
