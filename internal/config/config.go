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

// Package config loads dispatcher and worker configuration from a YAML
// file and LATTICE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/log"
	"github.com/tombee/lattice/internal/tracing"
	latticeerrors "github.com/tombee/lattice/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config is the complete lattice configuration.
type Config struct {
	// DataDir is the root for the database, asset store and worker job
	// directories when their own paths are unset.
	DataDir string `yaml:"data_dir"`

	Log       LogConfig                 `yaml:"log"`
	Tracing   tracing.Config            `yaml:"tracing"`
	Runner    RunnerConfig              `yaml:"runner"`
	Backend   BackendConfig             `yaml:"backend"`
	Assets    AssetsConfig              `yaml:"assets"`
	Executors map[string]ExecutorConfig `yaml:"executors"`
	Worker    WorkerConfig              `yaml:"worker"`
}

// LogConfig configures logging. It mirrors log.Config without the writer.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`
}

// RunnerConfig configures dispatch scheduling.
type RunnerConfig struct {
	// MaxParallel is the per-dispatch slot budget.
	MaxParallel int `yaml:"max_parallel"`

	// PollRetries is how many timed out polls are retried before a node
	// fails.
	PollRetries int `yaml:"poll_retries"`

	// CancelOnTimeout cancels the backend job when polling gives up.
	CancelOnTimeout bool `yaml:"cancel_on_timeout"`

	// DefaultExecutor is used by workflows and nodes that name none.
	DefaultExecutor string `yaml:"default_executor"`

	// Retention is how long finished dispatches are kept in memory.
	Retention time.Duration `yaml:"retention"`

	// ShutdownTimeout bounds how long Stop waits for in-flight work.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BackendConfig selects where dispatch state is persisted.
type BackendConfig struct {
	// Type is memory or sqlite.
	Type string `yaml:"type"`

	// Path is the sqlite database file. Default: <data_dir>/lattice.db.
	Path string `yaml:"path"`

	// WAL enables sqlite write-ahead logging.
	WAL bool `yaml:"wal"`
}

// AssetsConfig selects the content-addressed asset store.
type AssetsConfig struct {
	// Store is file, badger or gcs.
	Store string `yaml:"store"`

	// Dir is the file or badger store directory. Default:
	// <data_dir>/assets.
	Dir string `yaml:"dir"`

	// DigestAlgorithm is blake3, sha256 or blake2b.
	DigestAlgorithm string `yaml:"digest_algorithm"`

	// SyncWrites makes the badger store fsync every write.
	SyncWrites bool `yaml:"sync_writes"`

	GCS GCSConfig `yaml:"gcs"`

	// URIPolicy is raw or http.
	URIPolicy string `yaml:"uri_policy"`

	// BaseURL is the asset endpoint used by the http policy.
	BaseURL string `yaml:"base_url"`
}

// GCSConfig configures the Google Cloud Storage asset store.
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`

	// Endpoint overrides the storage API endpoint (emulators).
	Endpoint string `yaml:"endpoint"`
}

// ExecutorConfig is a named executor: a registered executor key plus
// default config. Workflows refer to it by its map key.
type ExecutorConfig struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// WorkerConfig configures `lattice worker`.
type WorkerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DataDir holds uploads and job directories. Default:
	// <data_dir>/worker.
	DataDir string `yaml:"data_dir"`

	// PublicURL is the URL dispatchers reach the worker at.
	PublicURL string `yaml:"public_url"`

	MaxConcurrent int `yaml:"max_concurrent"`

	// Secret enables HS256 bearer token auth when set.
	Secret string `yaml:"secret"`

	Issuer string `yaml:"issuer"`

	// Audience, when set, is required in every token's aud claim.
	Audience string `yaml:"audience"`

	// ClockSkew is the leeway applied to exp and nbf claims.
	ClockSkew time.Duration `yaml:"clock_skew"`

	// AllowRemote permits a non-loopback Listen address without a Secret.
	AllowRemote bool `yaml:"allow_remote"`

	// JobRetention is how long a finished job and its files are kept.
	// Received jobs are dropped sooner, after ReceivedRetention.
	JobRetention      time.Duration `yaml:"job_retention"`
	ReceivedRetention time.Duration `yaml:"received_retention"`
}

// CheckExposure rejects a listen address reachable from other hosts
// unless requests are authenticated or AllowRemote is set.
func (w WorkerConfig) CheckExposure() error {
	if w.Secret != "" || w.AllowRemote || !IsRemoteAddr(w.Listen) {
		return nil
	}
	return fmt.Errorf("worker.listen %s is reachable from the network but worker.secret is not set; "+
		"set worker.secret or, if you understand the risk, worker.allow_remote (--allow-remote)", w.Listen)
}

// IsRemoteAddr reports whether addr binds to interfaces other than
// loopback.
func IsRemoteAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// a bare host
		host = addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		return true
	case "localhost":
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		DataDir: DataDir(),
		Log: LogConfig{
			Level:  "info",
			Format: string(log.FormatJSON),
		},
		Tracing: tracing.DefaultConfig(),
		Runner: RunnerConfig{
			MaxParallel:     10,
			PollRetries:     0,
			DefaultExecutor: "local",
			ShutdownTimeout: 30 * time.Second,
		},
		Backend: BackendConfig{
			Type: "sqlite",
			WAL:  true,
		},
		Assets: AssetsConfig{
			Store:           "file",
			DigestAlgorithm: assets.DefaultAlgorithm,
			URIPolicy:       string(assets.PolicyRaw),
		},
		Worker: WorkerConfig{
			Listen:            "127.0.0.1:8686",
			MaxConcurrent:     4,
			Issuer:            "lattice",
			JobRetention:      24 * time.Hour,
			ReceivedRetention: 10 * time.Minute,
		},
	}
}

// Load reads configuration from path (skipped when empty), applies
// environment overrides and defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &latticeerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	// Derived paths depend on data_dir, which the environment may move.
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, &latticeerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// applyDefaults fills zero values left by a minimal config file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.BatchSize == 0 {
		c.Tracing.BatchSize = defaults.Tracing.BatchSize
	}
	if c.Tracing.BatchInterval == 0 {
		c.Tracing.BatchInterval = defaults.Tracing.BatchInterval
	}

	if c.Runner.MaxParallel == 0 {
		c.Runner.MaxParallel = defaults.Runner.MaxParallel
	}
	if c.Runner.DefaultExecutor == "" {
		c.Runner.DefaultExecutor = defaults.Runner.DefaultExecutor
	}
	if c.Runner.ShutdownTimeout == 0 {
		c.Runner.ShutdownTimeout = defaults.Runner.ShutdownTimeout
	}

	if c.Backend.Type == "" {
		c.Backend.Type = defaults.Backend.Type
	}
	if c.Backend.Path == "" {
		c.Backend.Path = filepath.Join(c.DataDir, "lattice.db")
	}

	if c.Assets.Store == "" {
		c.Assets.Store = defaults.Assets.Store
	}
	if c.Assets.Dir == "" {
		c.Assets.Dir = filepath.Join(c.DataDir, "assets")
	}
	if c.Assets.DigestAlgorithm == "" {
		c.Assets.DigestAlgorithm = defaults.Assets.DigestAlgorithm
	}
	if c.Assets.URIPolicy == "" {
		c.Assets.URIPolicy = defaults.Assets.URIPolicy
	}

	if c.Worker.Listen == "" {
		c.Worker.Listen = defaults.Worker.Listen
	}
	if c.Worker.DataDir == "" {
		c.Worker.DataDir = filepath.Join(c.DataDir, "worker")
	}
	if c.Worker.MaxConcurrent == 0 {
		c.Worker.MaxConcurrent = defaults.Worker.MaxConcurrent
	}
	if c.Worker.JobRetention == 0 {
		c.Worker.JobRetention = defaults.Worker.JobRetention
	}
	if c.Worker.ReceivedRetention == 0 {
		c.Worker.ReceivedRetention = defaults.Worker.ReceivedRetention
	}
	if c.Worker.Issuer == "" {
		c.Worker.Issuer = defaults.Worker.Issuer
	}
}

// loadFromEnv overrides settings from environment variables.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("LATTICE_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	logEnv := log.FromEnv()
	if os.Getenv("LATTICE_DEBUG") != "" || os.Getenv("LATTICE_LOG_LEVEL") != "" || os.Getenv("LOG_LEVEL") != "" {
		c.Log.Level = logEnv.Level
	}
	if os.Getenv("LOG_FORMAT") != "" {
		c.Log.Format = string(logEnv.Format)
	}
	if logEnv.AddSource {
		c.Log.AddSource = true
	}

	if v := os.Getenv("LATTICE_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && len(c.Tracing.Exporters) == 0 {
		c.Tracing.Exporters = []tracing.ExporterConfig{{Type: "otlp-http", Endpoint: v}}
	}

	if v := os.Getenv("LATTICE_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.MaxParallel = n
		}
	}
	if v := os.Getenv("LATTICE_POLL_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.PollRetries = n
		}
	}
	if v := os.Getenv("LATTICE_CANCEL_ON_TIMEOUT"); v != "" {
		c.Runner.CancelOnTimeout = parseBool(v)
	}
	if v := os.Getenv("LATTICE_DEFAULT_EXECUTOR"); v != "" {
		c.Runner.DefaultExecutor = v
	}
	if v := os.Getenv("LATTICE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Runner.Retention = d
		}
	}

	if v := os.Getenv("LATTICE_BACKEND"); v != "" {
		c.Backend.Type = strings.ToLower(v)
	}
	if v := os.Getenv("LATTICE_DB_PATH"); v != "" {
		c.Backend.Path = v
	}

	if v := os.Getenv("LATTICE_ASSET_STORE"); v != "" {
		c.Assets.Store = strings.ToLower(v)
	}
	if v := os.Getenv("LATTICE_ASSET_DIR"); v != "" {
		c.Assets.Dir = v
	}
	if v := os.Getenv("LATTICE_DIGEST_ALGORITHM"); v != "" {
		c.Assets.DigestAlgorithm = strings.ToLower(v)
	}
	if v := os.Getenv("LATTICE_GCS_BUCKET"); v != "" {
		c.Assets.GCS.Bucket = v
	}
	if v := os.Getenv("LATTICE_URI_POLICY"); v != "" {
		c.Assets.URIPolicy = strings.ToLower(v)
	}
	if v := os.Getenv("LATTICE_ASSET_BASE_URL"); v != "" {
		c.Assets.BaseURL = v
	}

	if v := os.Getenv("LATTICE_WORKER_LISTEN"); v != "" {
		c.Worker.Listen = v
	}
	if v := os.Getenv("LATTICE_WORKER_PUBLIC_URL"); v != "" {
		c.Worker.PublicURL = v
	}
	if v := os.Getenv("LATTICE_WORKER_SECRET"); v != "" {
		c.Worker.Secret = v
	}
	if v := os.Getenv("LATTICE_WORKER_ALLOW_REMOTE"); v != "" {
		c.Worker.AllowRemote = parseBool(v)
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !log.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be one of trace, debug, info, warn, error, got %q", c.Log.Level))
	}
	switch log.Format(c.Log.Format) {
	case log.FormatJSON, log.FormatText:
	default:
		errs = append(errs, fmt.Sprintf("log.format must be json or text, got %q", c.Log.Format))
	}

	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, "tracing: "+err.Error())
	}

	if c.Runner.MaxParallel < 1 {
		errs = append(errs, fmt.Sprintf("runner.max_parallel must be at least 1, got %d", c.Runner.MaxParallel))
	}
	if c.Runner.PollRetries < 0 {
		errs = append(errs, fmt.Sprintf("runner.poll_retries must not be negative, got %d", c.Runner.PollRetries))
	}
	if c.Runner.Retention < 0 {
		errs = append(errs, fmt.Sprintf("runner.retention must not be negative, got %v", c.Runner.Retention))
	}
	if c.Runner.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("runner.shutdown_timeout must be positive, got %v", c.Runner.ShutdownTimeout))
	}

	switch c.Backend.Type {
	case "memory":
	case "sqlite":
		if c.Backend.Path == "" {
			errs = append(errs, "backend.path is required for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.type must be memory or sqlite, got %q", c.Backend.Type))
	}

	switch c.Assets.Store {
	case "file", "badger":
		if c.Assets.Dir == "" {
			errs = append(errs, fmt.Sprintf("assets.dir is required for the %s store", c.Assets.Store))
		}
	case "gcs":
		if c.Assets.GCS.Bucket == "" {
			errs = append(errs, "assets.gcs.bucket is required for the gcs store")
		}
	default:
		errs = append(errs, fmt.Sprintf("assets.store must be file, badger or gcs, got %q", c.Assets.Store))
	}
	if !assets.ValidAlgorithm(c.Assets.DigestAlgorithm) {
		errs = append(errs, fmt.Sprintf("assets.digest_algorithm %q is not supported", c.Assets.DigestAlgorithm))
	}
	policy, err := assets.ParseURIPolicy(c.Assets.URIPolicy)
	if err != nil {
		errs = append(errs, "assets.uri_policy: "+err.Error())
	} else if policy == assets.PolicyHTTP && c.Assets.BaseURL == "" {
		errs = append(errs, "assets.base_url is required for the http uri policy")
	}

	for name, e := range c.Executors {
		if name == "" {
			errs = append(errs, "executors: name must not be empty")
		}
		if e.Type == "" {
			errs = append(errs, fmt.Sprintf("executors.%s.type is required", name))
		}
	}

	if c.Worker.MaxConcurrent < 1 {
		errs = append(errs, fmt.Sprintf("worker.max_concurrent must be at least 1, got %d", c.Worker.MaxConcurrent))
	}
	if c.Worker.ClockSkew < 0 {
		errs = append(errs, fmt.Sprintf("worker.clock_skew must not be negative, got %v", c.Worker.ClockSkew))
	}
	if c.Worker.JobRetention < 0 || c.Worker.ReceivedRetention < 0 {
		errs = append(errs, "worker.job_retention and worker.received_retention must not be negative")
	}
	if err := c.Worker.CheckExposure(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// LoggerConfig converts the log section for log.New.
func (c *Config) LoggerConfig() *log.Config {
	cfg := log.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = log.Format(c.Log.Format)
	cfg.AddSource = c.Log.AddSource
	return cfg
}
