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

// Package schemas generates JSON Schemas for lattice documents, for
// editor integration and external validation.
package schemas

import (
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/tombee/lattice/internal/manifest"
	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/function"
)

// WorkflowSchemaID is the $id of the manifest schema.
const WorkflowSchemaID = "https://tombee.github.io/lattice/schemas/workflow.schema.json"

var (
	bindingType      = reflect.TypeOf(manifest.Binding{})
	functionKindType = reflect.TypeOf(function.Kind(""))
	depsKindType     = reflect.TypeOf(deps.Kind(""))
)

// mapType overrides types whose wire form differs from their Go shape.
func mapType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case bindingType:
		return &jsonschema.Schema{
			Description: "A literal, or a mapping with exactly one of value, ref or input. " +
				"ref bindings may set optional: true.",
		}
	case functionKindType:
		return enum(function.KindBuiltin, function.KindExpr, function.KindJQ, function.KindValue)
	case depsKindType:
		return enum(deps.KindBash, deps.KindPackage, deps.KindCallBefore, deps.KindCallAfter)
	}
	return nil
}

func enum[T ~string](values ...T) *jsonschema.Schema {
	s := &jsonschema.Schema{Type: "string"}
	for _, v := range values {
		s.Enum = append(s.Enum, string(v))
	}
	return s
}

// Workflow returns the JSON Schema of workflow manifests.
func Workflow() ([]byte, error) {
	r := &jsonschema.Reflector{Mapper: mapType}
	s := r.Reflect(&manifest.Workflow{})
	s.ID = WorkflowSchemaID
	s.Title = "Lattice workflow manifest"
	return json.MarshalIndent(s, "", "  ")
}
