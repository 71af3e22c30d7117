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

package completion

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/config"
)

// CheckFilePermissions verifies that a file has secure permissions (mode <= 0600).
// Returns true if permissions are acceptable, false if too permissive.
func CheckFilePermissions(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// Missing files are fine; completion falls back to defaults.
		return true
	}
	return info.Mode().Perm()&^0o600 == 0
}

// LoadConfigForCompletion loads the lattice configuration. A config file
// readable by others (it may hold the worker secret) yields nil, nil so
// completion is skipped.
func LoadConfigForCompletion() (*config.Config, error) {
	path := shared.GetConfigPath()
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return nil, err
		}
		if _, statErr := os.Stat(p); statErr == nil {
			path = p
		}
	}

	if path != "" && !CheckFilePermissions(path) {
		return nil, nil
	}
	return config.Load(path)
}

// SafeCompletionWrapper wraps a completion function with panic recovery.
// Returns empty completion list on panic or error.
func SafeCompletionWrapper(fn func() ([]string, cobra.ShellCompDirective)) (results []string, directive cobra.ShellCompDirective) {
	results = []string{}
	directive = cobra.ShellCompDirectiveNoFileComp

	defer func() {
		if r := recover(); r != nil {
			results = []string{}
			directive = cobra.ShellCompDirectiveNoFileComp
		}
	}()

	results, directive = fn()
	if results == nil {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return results, directive
}
