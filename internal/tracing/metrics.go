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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the otel instruments of the async job path. They are
// exported through the Prometheus reader of the Provider.
type Instruments struct {
	jobsSubmitted metric.Int64Counter
	pollLatency   metric.Float64Histogram
	transferBytes metric.Int64Counter
}

// NewInstruments registers the instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	jobs, err := meter.Int64Counter("lattice.jobs.submitted",
		metric.WithDescription("Jobs submitted to async executors"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}
	poll, err := meter.Float64Histogram("lattice.job.poll.duration",
		metric.WithDescription("Time from job submission until the job was observed terminal"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64Counter("lattice.assets.transferred",
		metric.WithDescription("Bytes uploaded to or downloaded from executor locations"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return &Instruments{jobsSubmitted: jobs, pollLatency: poll, transferBytes: bytes}, nil
}

// JobSubmitted counts one job sent to executor.
func (i *Instruments) JobSubmitted(ctx context.Context, executor string) {
	if i == nil {
		return
	}
	i.jobsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrExecutor, executor)))
}

// JobPolled records how long a job took to become terminal.
func (i *Instruments) JobPolled(ctx context.Context, executor, st string, d time.Duration) {
	if i == nil {
		return
	}
	i.pollLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String(AttrExecutor, executor),
		attribute.String(AttrStatus, st),
	))
}

// Transferred counts bytes moved in direction ("upload" or "download").
func (i *Instruments) Transferred(ctx context.Context, direction string, n int) {
	if i == nil {
		return
	}
	i.transferBytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("direction", direction)))
}
