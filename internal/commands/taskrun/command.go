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

// Package taskrun implements the hidden `lattice task-run` command the
// process executor spawns for each job.
package taskrun

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/controller"
	"github.com/tombee/lattice/internal/taskrun"
)

// NewCommand creates the task-run command
func NewCommand() *cobra.Command {
	var spec string

	cmd := &cobra.Command{
		Use:    "task-run",
		Short:  "Run one job spec (used by the process executor)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			v, _, _ := shared.GetVersion()
			env, closeEnv, err := controller.NewTaskEnv(ctx, cfg, "lattice-task", v)
			if err != nil {
				return shared.NewConfigError("failed to prepare task environment", err)
			}
			defer func() { _ = closeEnv() }()

			if err := taskrun.RunSpecFile(ctx, spec, env); err != nil {
				return shared.NewExecutionError("task failed", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&spec, "spec", "", "Path of the job spec document")
	_ = cmd.MarkFlagRequired("spec")

	return cmd
}
