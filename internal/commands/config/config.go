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

package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/config"
)

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
		Annotations: map[string]string{
			"group": "configuration",
		},
		Long: `View the lattice configuration.

Subcommands:
  show - Display the effective configuration (file, environment, defaults)
  path - Show config file location`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigPathCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration",
		Long: `Display the effective configuration after the config file, the
environment and defaults are applied. The worker secret is masked.
Use --json for machine-readable output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd.OutOrStdout())
		},
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return shared.NewConfigError("failed to determine config path", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

// ShowResponse is the --json output of config show.
type ShowResponse struct {
	shared.JSONResponse
	Path   string         `json:"path,omitempty"`
	Config map[string]any `json:"config"`
}

func configPath() (string, error) {
	if p := shared.GetConfigPath(); p != "" {
		return p, nil
	}
	return config.ConfigPath()
}

func runConfigShow(out io.Writer) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	path, _ := configPath()
	if _, statErr := os.Stat(path); statErr != nil {
		path = ""
	}

	masked := maskSensitiveConfig(cfg)
	if shared.GetJSON() {
		// Round trip through YAML so keys match the config file.
		data, err := yaml.Marshal(masked)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		return shared.EmitJSON(out, ShowResponse{JSONResponse: shared.NewResponse("config show"), Path: path, Config: doc})
	}

	if path == "" {
		fmt.Fprintln(out, shared.RenderLabel("# no config file; defaults and environment only"))
	} else {
		fmt.Fprintln(out, shared.RenderLabel("# "+path))
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(masked); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// maskSensitiveConfig returns a copy of cfg with secrets masked.
func maskSensitiveConfig(cfg *config.Config) *config.Config {
	masked := *cfg
	masked.Worker.Secret = maskSecret(cfg.Worker.Secret)
	return &masked
}

// maskSecret shows the first and last four characters of long secrets.
func maskSecret(key string) string {
	if key == "" {
		return ""
	}
	if strings.HasPrefix(key, "${") && strings.HasSuffix(key, "}") {
		return key
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
