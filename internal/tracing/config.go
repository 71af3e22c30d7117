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
	"fmt"
	"time"
)

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether spans are recorded and exported.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the application version.
	ServiceVersion string `yaml:"-"`

	// Sampling configures trace sampling.
	Sampling SamplingConfig `yaml:"sampling"`

	// Exporters lists export destinations.
	Exporters []ExporterConfig `yaml:"exporters"`

	// BatchSize is the maximum number of spans per export batch (default: 512).
	BatchSize int `yaml:"batch_size"`

	// BatchInterval is how often to flush spans (default: 5s).
	BatchInterval time.Duration `yaml:"batch_interval"`
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Rate is the fraction of traces to sample (0.0 - 1.0).
	Rate float64 `yaml:"rate"`

	// AlwaysSampleErrors samples spans started with an error marker
	// regardless of Rate.
	AlwaysSampleErrors bool `yaml:"always_sample_errors"`
}

// ExporterConfig defines an export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp", "otlp-http", or "console".
	Type string `yaml:"type"`

	// Endpoint is the OTLP receiver host:port (otlp) or URL (otlp-http).
	Endpoint string `yaml:"endpoint"`

	// Headers are additional headers, typically for authentication.
	Headers map[string]string `yaml:"headers"`

	// Insecure disables TLS.
	Insecure bool `yaml:"insecure"`

	// CACertPath is a PEM bundle used to verify the receiver.
	CACertPath string `yaml:"ca_cert_path"`

	// Timeout is the export timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "lattice",
		ServiceVersion: "dev",
		Sampling: SamplingConfig{
			Rate:               1.0,
			AlwaysSampleErrors: true,
		},
		BatchSize:     512,
		BatchInterval: 5 * time.Second,
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.Sampling.Rate)
	}
	for i, e := range c.Exporters {
		switch e.Type {
		case "console", "none", "":
		case "otlp", "otlp-http", "otlp_http":
			if e.Endpoint == "" {
				return fmt.Errorf("exporters[%d]: endpoint is required for %s", i, e.Type)
			}
		default:
			return fmt.Errorf("exporters[%d]: unknown exporter type %q", i, e.Type)
		}
	}
	return nil
}
