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

// Package errors defines the typed errors shared across lattice.
//
// Node-level failures (TaskRuntimeError, DependencyResolutionError,
// ExecutorSubmissionError, ExecutorTimeoutError, HandleConsumedError) are
// captured by the runner and stored as error assets. GraphError is the one
// engine error returned synchronously to a dispatch creator.
package errors

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type
// for retry logic, error reporting, or specific handling paths.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "graph", "executor_timeout"
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}

// TypeOf returns the ErrorType of the first classified error in err's
// tree, or "internal" if none is found.
func TypeOf(err error) string {
	var c ErrorClassifier
	if As(err, &c) {
		return c.ErrorType()
	}
	return "internal"
}
