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

package executor

import (
	"encoding/json"

	"github.com/tombee/lattice/pkg/status"
)

// JobSpec is what an out-of-process backend hands to the program that
// runs a task: where to read the payloads and where to write results.
type JobSpec struct {
	JobID string       `json:"job_id"`
	Meta  TaskMetadata `json:"meta"`
	Refs  TaskRefs     `json:"refs"`

	ResultPath string `json:"result_path"`
	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`
}

// TaskResult is the document a backend writes at a job's output location.
type TaskResult struct {
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorType  string          `json:"error_type,omitempty"`
	HookErrors []string        `json:"hook_errors,omitempty"`
}

// Status is COMPLETED when the task returned without error.
func (r TaskResult) Status() status.Status {
	if r.Error != "" {
		return status.Failed
	}
	return status.Completed
}

// Failed builds a result for a task that could not run or returned err.
func Failed(err error, errorType string) TaskResult {
	return TaskResult{Error: err.Error(), ErrorType: errorType}
}
