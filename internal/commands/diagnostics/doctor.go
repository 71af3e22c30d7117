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

// Package diagnostics implements `lattice doctor`.
package diagnostics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/config"
	"github.com/tombee/lattice/internal/controller"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/executor/remote"
	"github.com/tombee/lattice/pkg/httpclient"
)

// Check is the outcome of one diagnostic step.
type Check struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DoctorResult contains the overall health check results
type DoctorResult struct {
	ConfigPath      string   `json:"config_path"`
	Checks          []Check  `json:"checks"`
	Recommendations []string `json:"recommendations"`
	OverallHealthy  bool     `json:"overall_healthy"`
}

// DoctorResponse is the JSON envelope of `lattice doctor --json`.
type DoctorResponse struct {
	shared.JSONResponse
	DoctorResult
}

// workerTimeout bounds each /healthz probe.
var workerTimeout = 5 * time.Second

// NewDoctorCommand creates the doctor command
func NewDoctorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "doctor",
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Short: "Check configuration, storage and workers",
		Long: `Perform a health check of the lattice installation.

This command opens the configured backend and asset store, builds the
executor registry, and probes the /healthz endpoint of every worker a
remote executor points at. It changes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			result := Diagnose(ctx)
			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				resp := DoctorResponse{JSONResponse: shared.NewResponse("doctor"), DoctorResult: result}
				resp.Success = result.OverallHealthy
				if err := shared.EmitJSON(out, resp); err != nil {
					return err
				}
			} else {
				writeText(out, result)
			}
			if !result.OverallHealthy {
				return shared.NewConfigError("health check found issues", nil)
			}
			return nil
		},
	}
	return cmd
}

// Diagnose runs every check. Later checks are skipped when the
// configuration cannot be loaded.
func Diagnose(ctx context.Context) DoctorResult {
	result := DoctorResult{OverallHealthy: true, Recommendations: []string{}}
	add := func(c Check, recommendation string) {
		result.Checks = append(result.Checks, c)
		if !c.Healthy {
			result.OverallHealthy = false
			if recommendation != "" {
				result.Recommendations = append(result.Recommendations, recommendation)
			}
		}
	}

	result.ConfigPath = shared.GetConfigPath()
	if result.ConfigPath == "" {
		if p, err := config.ConfigPath(); err == nil {
			result.ConfigPath = p
		}
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		add(Check{Name: "config", Error: err.Error()}, "Fix the configuration file, then run 'lattice config show' to review it.")
		return result
	}
	add(Check{Name: "config", Healthy: true, Detail: result.ConfigPath}, "")

	be, err := controller.OpenBackend(cfg.Backend)
	if err != nil {
		add(Check{Name: "backend", Error: err.Error()}, "Check backend.path is writable.")
	} else {
		detail := cfg.Backend.Type
		if cfg.Backend.Type == "sqlite" {
			detail += " " + cfg.Backend.Path
		}
		add(Check{Name: "backend", Healthy: true, Detail: detail}, "")
		_ = be.Close()
	}

	store, err := controller.OpenStore(ctx, cfg.Assets, shared.NewLogger(cfg))
	if err != nil {
		add(Check{Name: "assets", Error: err.Error()}, "Check the assets section of the configuration.")
	} else {
		add(Check{Name: "assets", Healthy: true, Detail: cfg.Assets.Store}, "")
		_ = store.Close()
	}

	reg, err := controller.NewExecutorRegistry(cfg.Executors)
	if err != nil {
		add(Check{Name: "executors", Error: err.Error()}, "Every named executor needs a registered type: local, process or remote.")
		return result
	}
	add(Check{Name: "executors", Healthy: true, Detail: strings.Join(reg.Keys(), ", ")}, "")

	client, err := httpclient.New(probeConfig())
	if err != nil {
		add(Check{Name: "workers", Error: err.Error()}, "")
		return result
	}
	defer client.CloseIdleConnections()
	for _, w := range workerAddresses(cfg.Executors) {
		c := Check{Name: "worker " + w}
		if err := probe(ctx, client, w); err != nil {
			c.Error = err.Error()
			add(c, fmt.Sprintf("Start a worker with 'lattice worker' reachable at %s.", w))
			continue
		}
		c.Healthy = true
		add(c, "")
	}
	return result
}

func probeConfig() httpclient.Config {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = workerTimeout
	cfg.RetryAttempts = 0
	cfg.UserAgent = "lattice-doctor/1.0"
	return cfg
}

// workerAddresses lists the distinct worker base URLs of remote
// executors, sorted.
func workerAddresses(named map[string]config.ExecutorConfig) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range named {
		if e.Type != remote.Key {
			continue
		}
		cfg := executor.Config(e.Config)
		addrs := append([]string(nil), cfg.Strings("addresses", nil)...)
		if a := cfg.String("address", ""); a != "" {
			addrs = append(addrs, a)
		}
		for _, a := range addrs {
			a = strings.TrimRight(a, "/")
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Strings(out)
	return out
}

func probe(ctx context.Context, client *http.Client, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %s", resp.Status)
	}
	return nil
}

func writeText(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, shared.Render(shared.Header, "Lattice Health Check"))
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "%s %s\n\n", shared.RenderLabel("Config:"), result.ConfigPath)

	for _, c := range result.Checks {
		mark := shared.RenderOK("[OK]")
		if !c.Healthy {
			mark = shared.RenderError("[FAILED]")
		}
		fmt.Fprintf(w, "  %-10s %s", mark, c.Name)
		if c.Detail != "" {
			fmt.Fprintf(w, " %s", shared.Render(shared.Muted, "("+c.Detail+")"))
		}
		fmt.Fprintln(w)
		if c.Error != "" {
			fmt.Fprintf(w, "             %s\n", c.Error)
		}
	}
	fmt.Fprintln(w)

	if len(result.Recommendations) > 0 {
		fmt.Fprintln(w, "Recommendations:")
		for _, rec := range result.Recommendations {
			fmt.Fprintf(w, "  - %s\n", rec)
		}
		fmt.Fprintln(w)
	}

	if result.OverallHealthy {
		fmt.Fprintln(w, "Overall Status: "+shared.RenderOK("Healthy"))
	} else {
		fmt.Fprintln(w, "Overall Status: "+shared.RenderError("Issues Found"))
	}
}
