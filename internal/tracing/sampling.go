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
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ErrorAttributeKey marks a span as an error at start time; the error
// aware sampler keeps such spans regardless of the sampling rate.
const ErrorAttributeKey = "error"

// NewSampler creates a sampler from the sampling config. Child spans
// follow their parent's decision.
func NewSampler(cfg SamplingConfig) sdktrace.Sampler {
	var base sdktrace.Sampler
	switch {
	case cfg.Rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case cfg.Rate <= 0.0:
		base = sdktrace.NeverSample()
	default:
		base = sdktrace.TraceIDRatioBased(cfg.Rate)
	}
	if cfg.AlwaysSampleErrors {
		base = &errorAwareSampler{base: base}
	}
	return sdktrace.ParentBased(base)
}

// errorAwareSampler wraps a base sampler to always sample error spans.
type errorAwareSampler struct {
	base sdktrace.Sampler
}

func (s *errorAwareSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == ErrorAttributeKey && attr.Value.AsBool() {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(params.ParentContext).TraceState(),
			}
		}
	}
	return s.base.ShouldSample(params)
}

func (s *errorAwareSampler) Description() string {
	return "ErrorAwareSampler{base=" + s.base.Description() + "}"
}
