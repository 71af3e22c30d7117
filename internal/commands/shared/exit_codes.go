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

package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/tombee/lattice/pkg/errors"
)

// Exit codes of the lattice commands
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidWorkflow = 2
	ExitMissingInput    = 3
	ExitCancelled       = 4
	ExitConfigError     = 78 // EX_CONFIG from sysexits.h
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for workflow execution failures
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitExecutionFailed, Message: msg, Cause: cause}
}

// NewInvalidWorkflowError creates an error for invalid workflow files
func NewInvalidWorkflowError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidWorkflow, Message: msg, Cause: cause}
}

// NewMissingInputError creates an error for malformed or missing inputs
func NewMissingInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitMissingInput, Message: msg, Cause: cause}
}

// NewCancelledError reports a dispatch that ended cancelled
func NewCancelledError(msg string) *ExitError {
	return &ExitError{Code: ExitCancelled, Message: msg}
}

// NewConfigError creates an error for unusable configuration
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitExecutionFailed
}

// HandleExitError prints err and exits with its code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printUserVisibleSuggestion(err)
	os.Exit(ExitCode(err))
}

// printUserVisibleSuggestion prints the suggestion of a validation
// error anywhere in the chain.
func printUserVisibleSuggestion(err error) {
	var ve *pkgerrors.ValidationError
	if pkgerrors.As(err, &ve) && ve.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", ve.Suggestion)
	}
}
