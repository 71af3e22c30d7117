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
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tombee/lattice/pkg/status"
)

func TestCompleteStatus(t *testing.T) {
	completions, directive := CompleteStatus(nil, nil, "")

	if len(completions) != len(status.All()) {
		t.Errorf("expected %d statuses, got %d", len(status.All()), len(completions))
	}
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("expected ShellCompDirectiveNoFileComp, got %v", directive)
	}

	for _, comp := range completions {
		name, desc, ok := strings.Cut(comp, "\t")
		if !ok || desc == "" {
			t.Errorf("completion %q lacks a description", comp)
		}
		if _, err := status.Parse(name); err != nil {
			t.Errorf("completion %q is not a status: %v", name, err)
		}
	}
}
