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
Package cli provides the root command and shared configuration for the
lattice CLI.

This package creates the main Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	lattice
	├── run           Dispatch a workflow manifest and wait for it
	├── validate      Validate manifests, optionally printing the plan
	├── status        List dispatches or show one output manifest
	├── cancel        Cancel a dispatch or some of its nodes
	├── recover       Resume dispatches left by an earlier process
	├── worker        Serve the remote executor job API
	├── version       Show version
	└── help          Show help

task-run is hidden; the process executor spawns it once per job.

# Global Flags

	--verbose, -v    Enable debug logging
	--quiet, -q      Only log errors
	--json           Output in JSON format
	--config         Path to config file
	--env-file       Load environment variables from a file

# Exit Codes

  - 0: Success
  - 1: Execution failed
  - 2: Invalid workflow
  - 3: Missing or invalid input
  - 4: Cancelled
  - 78: Configuration error
*/
package cli
