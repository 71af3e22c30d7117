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
	"encoding/json"
	"io"

	pkgerrors "github.com/tombee/lattice/pkg/errors"
)

// Error codes for structured JSON output
const (
	ErrorCodeInvalidManifest = "E001"
	ErrorCodeInvalidGraph    = "E002"
	ErrorCodeInvalidInput    = "E003"
	ErrorCodeFileNotFound    = "E101"
	ErrorCodeInvalidConfig   = "E201"
	ErrorCodeNotFound        = "E401"
	ErrorCodeExecutionFailed = "E403"
)

// JSONResponse is the base envelope for all JSON output
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// JSONError represents a structured error with code, message and suggestion
type JSONError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
}

// NewResponse returns a successful envelope for command.
func NewResponse(command string) JSONResponse {
	return JSONResponse{Version: "1.0", Command: command, Success: true}
}

// EmitJSON writes response as indented JSON.
func EmitJSON(w io.Writer, response any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// EmitJSONError writes an error envelope.
func EmitJSONError(w io.Writer, command string, errs []JSONError) error {
	type errorResponse struct {
		JSONResponse
		Errors []JSONError `json:"errors"`
	}
	resp := errorResponse{
		JSONResponse: JSONResponse{Version: "1.0", Command: command, Success: false},
		Errors:       errs,
	}
	return EmitJSON(w, resp)
}

// ToJSONError classifies err for JSON output.
func ToJSONError(err error) JSONError {
	je := JSONError{Code: ErrorCodeExecutionFailed, Message: err.Error()}
	var (
		ve *pkgerrors.ValidationError
		ge *pkgerrors.GraphError
		nf *pkgerrors.NotFoundError
		ce *pkgerrors.ConfigError
	)
	switch {
	case pkgerrors.As(err, &ve):
		je.Code = ErrorCodeInvalidManifest
		je.Field = ve.Field
		je.Suggestion = ve.Suggestion
	case pkgerrors.As(err, &ge):
		je.Code = ErrorCodeInvalidGraph
		if len(ge.Nodes) > 0 {
			je.NodeID = ge.Nodes[0]
		}
	case pkgerrors.As(err, &nf):
		je.Code = ErrorCodeNotFound
	case pkgerrors.As(err, &ce):
		je.Code = ErrorCodeInvalidConfig
		je.Field = ce.Key
	}
	return je
}
