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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for lattice
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lattice",
		Short: "Lattice - workflow DAG dispatcher",
		Long: `Lattice dispatches workflows: directed acyclic graphs of tasks whose
outputs feed each other. Tasks run on pluggable executors (in process,
in a subprocess, or on a remote HTTP worker) and every dispatch is
persisted so it can be inspected, cancelled and recovered.

Run 'lattice validate --plan workflow.yaml' to check a manifest.
Run 'lattice run workflow.yaml' to dispatch it.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := shared.LoadEnv(); err != nil {
				return shared.NewConfigError("failed to load env file", err)
			}
			return nil
		},
	}

	// Get flag pointers from shared package
	verbose, quiet, json, config, envFile := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/lattice/config.yaml)")
	cmd.PersistentFlags().StringVar(envFile, "env-file", "", "Load environment variables from this file (default: ./.env if present)")

	cmd.SetHelpCommand(NewHelpCommand(cmd))

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
