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

package main

import (
	"github.com/tombee/lattice/internal/cli"
	"github.com/tombee/lattice/internal/commands/cancel"
	"github.com/tombee/lattice/internal/commands/completion"
	"github.com/tombee/lattice/internal/commands/config"
	"github.com/tombee/lattice/internal/commands/diagnostics"
	recovercmd "github.com/tombee/lattice/internal/commands/recover"
	"github.com/tombee/lattice/internal/commands/run"
	statuscmd "github.com/tombee/lattice/internal/commands/status"
	"github.com/tombee/lattice/internal/commands/taskrun"
	"github.com/tombee/lattice/internal/commands/validate"
	versioncmd "github.com/tombee/lattice/internal/commands/version"
	workercmd "github.com/tombee/lattice/internal/commands/worker"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Core workflow commands
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())

	// Dispatch management
	rootCmd.AddCommand(statuscmd.NewCommand())
	rootCmd.AddCommand(cancel.NewCommand())
	rootCmd.AddCommand(recovercmd.NewCommand())

	// Execution hosts
	rootCmd.AddCommand(workercmd.NewCommand())
	rootCmd.AddCommand(taskrun.NewCommand())

	// Configuration and diagnostics
	rootCmd.AddCommand(config.NewConfigCommand())
	rootCmd.AddCommand(diagnostics.NewDoctorCommand())
	rootCmd.AddCommand(completion.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
