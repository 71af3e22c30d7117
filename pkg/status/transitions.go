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

package status

import (
	"github.com/tombee/lattice/pkg/errors"
)

var workflowTransitions = map[Status][]Status{
	NewObject:             {Starting, PendingReuse, Cancelled},
	PendingReuse:          {Starting, Cancelled},
	Starting:              {Running, Failed, Cancelled},
	Running:               {Completed, Failed, Cancelled, PendingPostprocessing},
	PendingPostprocessing: {Postprocessing, Cancelled},
	Postprocessing:        {Completed, PostprocessingFailed},
}

// Node states are a subset of workflow states. NEW_OBJECT -> RUNNING is
// the only way into RUNNING, so a node runs at most once per dispatch.
var nodeTransitions = map[Status][]Status{
	NewObject:             {Running, PendingReuse, Cancelled},
	PendingReuse:          {Completed, Cancelled},
	Running:               {DispatchingSublattice, Completed, Failed, Cancelled},
	DispatchingSublattice: {Completed, Failed, Cancelled},
}

// CheckWorkflow returns nil if a workflow may move from one status to
// another, and a ValidationError otherwise.
func CheckWorkflow(from, to Status) error {
	return check("workflow", workflowTransitions, from, to)
}

// CheckNode returns nil if a node may move from one status to another, and
// a ValidationError otherwise.
func CheckNode(from, to Status) error {
	return check("node", nodeTransitions, from, to)
}

func check(scope string, table map[Status][]Status, from, to Status) error {
	if from.IsTerminal() {
		return &errors.ValidationError{
			Field:   scope + ".status",
			Message: "cannot leave terminal status " + from.String() + " for " + to.String(),
		}
	}
	for _, allowed := range table[from] {
		if allowed == to {
			return nil
		}
	}
	return &errors.ValidationError{
		Field:   scope + ".status",
		Message: "transition " + from.String() + " -> " + to.String() + " is not allowed",
	}
}
