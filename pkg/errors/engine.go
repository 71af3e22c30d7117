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

package errors

import (
	"fmt"
	"strings"
	"time"
)

// GraphError reports a malformed transport graph: a cycle, a dangling
// edge or a duplicate node. It is fatal for the dispatch and never retried.
type GraphError struct {
	// Reason is a short description of the defect
	Reason string

	// Nodes lists the node ids involved (the cycle path for cycles)
	Nodes []string
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	if len(e.Nodes) == 0 {
		return "graph error: " + e.Reason
	}
	return fmt.Sprintf("graph error: %s [%s]", e.Reason, strings.Join(e.Nodes, " -> "))
}

// ErrorType implements ErrorClassifier.
func (e *GraphError) ErrorType() string { return "graph" }

// IsRetryable implements ErrorClassifier.
func (e *GraphError) IsRetryable() bool { return false }

// DependencyResolutionError reports a dependency spec that could not be
// rehydrated, or a call_before hook that failed before the task body ran.
type DependencyResolutionError struct {
	NodeID string
	Kind   string
	Cause  error
}

// Error implements the error interface.
func (e *DependencyResolutionError) Error() string {
	msg := "dependency resolution failed"
	if e.Kind != "" {
		msg = fmt.Sprintf("%s for %s dependency", msg, e.Kind)
	}
	if e.NodeID != "" {
		msg = fmt.Sprintf("%s on node %s", msg, e.NodeID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DependencyResolutionError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *DependencyResolutionError) ErrorType() string { return "dependency" }

// IsRetryable implements ErrorClassifier.
func (e *DependencyResolutionError) IsRetryable() bool { return false }

// TaskRuntimeError wraps an error raised by a task body.
type TaskRuntimeError struct {
	NodeID string
	Cause  error

	// Panic is set when the body panicked rather than returning an error.
	Panic bool
}

// Error implements the error interface.
func (e *TaskRuntimeError) Error() string {
	verb := "failed"
	if e.Panic {
		verb = "panicked"
	}
	if e.NodeID == "" {
		return fmt.Sprintf("task %s: %v", verb, e.Cause)
	}
	return fmt.Sprintf("task %s %s: %v", e.NodeID, verb, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TaskRuntimeError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TaskRuntimeError) ErrorType() string { return "task_runtime" }

// IsRetryable implements ErrorClassifier.
func (e *TaskRuntimeError) IsRetryable() bool { return false }

// ExecutorSubmissionError reports a backend that rejected a job at send or
// run time, e.g. an unreachable address.
type ExecutorSubmissionError struct {
	Executor string
	Address  string
	Cause    error
}

// Error implements the error interface.
func (e *ExecutorSubmissionError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("executor %s at %s rejected job: %v", e.Executor, e.Address, e.Cause)
	}
	return fmt.Sprintf("executor %s rejected job: %v", e.Executor, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutorSubmissionError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ExecutorSubmissionError) ErrorType() string { return "executor_submission" }

// IsRetryable implements ErrorClassifier.
func (e *ExecutorSubmissionError) IsRetryable() bool { return false }

// ExecutorTimeoutError reports that polling exceeded its time limit. The
// backend job may still be running; polling again is allowed.
type ExecutorTimeoutError struct {
	Executor string
	JobID    string
	Limit    time.Duration
}

// Error implements the error interface.
func (e *ExecutorTimeoutError) Error() string {
	return fmt.Sprintf("executor %s: job %s not terminal after %v", e.Executor, e.JobID, e.Limit)
}

// ErrorType implements ErrorClassifier.
func (e *ExecutorTimeoutError) ErrorType() string { return "executor_timeout" }

// IsRetryable implements ErrorClassifier.
func (e *ExecutorTimeoutError) IsRetryable() bool { return true }

// HandleConsumedError reports a receive on a job handle whose artifacts
// were already consumed.
type HandleConsumedError struct {
	Executor string
	JobID    string
}

// Error implements the error interface.
func (e *HandleConsumedError) Error() string {
	return fmt.Sprintf("executor %s: job %s already received", e.Executor, e.JobID)
}

// ErrorType implements ErrorClassifier.
func (e *HandleConsumedError) ErrorType() string { return "handle_consumed" }

// IsRetryable implements ErrorClassifier.
func (e *HandleConsumedError) IsRetryable() bool { return false }

// IsRetryable reports whether err, or any error it wraps, classifies
// itself as retryable.
func IsRetryable(err error) bool {
	var c ErrorClassifier
	if As(err, &c) {
		return c.IsRetryable()
	}
	return false
}
