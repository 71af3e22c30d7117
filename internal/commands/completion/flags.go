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
	"github.com/spf13/cobra"

	"github.com/tombee/lattice/pkg/status"
)

// CompleteStatus provides completion for --status flag values.
func CompleteStatus(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		var out []string
		for _, st := range status.All() {
			desc := "in progress"
			switch {
			case st.IsSuccess():
				desc = "finished successfully"
			case st.IsTerminal():
				desc = "finished without a result"
			case st == status.NewObject:
				desc = "created, not started"
			}
			out = append(out, st.String()+"\t"+desc)
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})
}
