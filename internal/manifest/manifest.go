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

// Package manifest parses workflow manifests and compiles them into
// transport graphs.
//
// A manifest is YAML (or JSON, which is a subset):
//
//	name: pipeline
//	inputs:
//	  x: 2
//	executor: local
//	executors:
//	  isolated: {type: process, config: {poll_timeout: 5m}}
//	nodes:
//	  - id: a
//	    function: {kind: builtin, name: add}
//	    args: [{input: x}, 3]
//	  - id: b
//	    function: {kind: builtin, name: mul}
//	    args: [{ref: a}, 2]
//	    executor: isolated
//	output:
//	  node: b
//
// An argument is either a literal, {value: literal}, {ref: node-id} (the
// producer's output, optional: true to accept a producer that did not
// complete), or {input: name}.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/function"
)

// DefaultExecutor is used when neither the node nor the workflow names one.
const DefaultExecutor = "local"

// MaxNestingDepth bounds sub-workflow nesting.
const MaxNestingDepth = 8

// Workflow is a parsed manifest.
type Workflow struct {
	Name      string                 `json:"name" yaml:"name" validate:"required,max=256"`
	Inputs    map[string]any         `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Executor  string                 `json:"executor,omitempty" yaml:"executor,omitempty"`
	Executors map[string]ExecutorDef `json:"executors,omitempty" yaml:"executors,omitempty" validate:"dive"`
	Nodes     []Node                 `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Output    Output                 `json:"output,omitempty" yaml:"output,omitempty"`
}

// ExecutorDef is a named executor: a registry key plus config.
type ExecutorDef struct {
	Type   string         `json:"type" yaml:"type" validate:"required"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Node is one task of the manifest.
type Node struct {
	ID             string             `json:"id" yaml:"id" validate:"required,nodeid"`
	Name           string             `json:"name,omitempty" yaml:"name,omitempty"`
	Function       *function.Ref      `json:"function,omitempty" yaml:"function,omitempty"`
	Args           []Binding          `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs         map[string]Binding `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
	Executor       string             `json:"executor,omitempty" yaml:"executor,omitempty"`
	ExecutorConfig map[string]any     `json:"executor_config,omitempty" yaml:"executor_config,omitempty"`
	Deps           []deps.Spec        `json:"deps,omitempty" yaml:"deps,omitempty"`

	// Workflow makes the node a sub-workflow. Its kwargs become the
	// nested workflow's inputs.
	Workflow *Workflow `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// Output selects the workflow result: a node's output or an expr-lang
// expression over node outputs (evaluated during postprocessing). Empty
// means the last node.
type Output struct {
	Node string `json:"node,omitempty" yaml:"node,omitempty"`
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// IsExpr reports whether the output needs postprocessing.
func (o Output) IsExpr() bool { return o.Expr != "" }

var (
	validate  *validator.Validate
	nodeIDPat = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("nodeid", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return len(s) <= 128 && nodeIDPat.MatchString(s)
	})
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, &errors.ValidationError{
			Field:   "manifest",
			Message: fmt.Sprintf("failed to parse workflow manifest: %s", err.Error()),
		}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// Validate checks struct tags and cross-field rules. It does not need
// the function or executor registries; Compile checks those.
func (w *Workflow) Validate() error {
	return w.validate(0, nil)
}

func (w *Workflow) validate(depth int, provided map[string]bool) error {
	if depth > MaxNestingDepth {
		return &errors.ValidationError{Field: "workflow", Message: fmt.Sprintf("sub-workflows nested deeper than %d", MaxNestingDepth)}
	}
	if err := validate.Struct(w); err != nil {
		return fromValidator(err)
	}

	seen := make(map[string]bool, len(w.Nodes))
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if seen[n.ID] {
			return &errors.ValidationError{Field: "nodes." + n.ID, Message: "duplicate node id"}
		}
		seen[n.ID] = true
	}

	for i := range w.Nodes {
		n := &w.Nodes[i]
		switch {
		case n.Workflow != nil && n.Function != nil:
			return &errors.ValidationError{Field: "nodes." + n.ID, Message: "a node has either a function or a workflow, not both"}
		case n.Workflow == nil && n.Function == nil:
			return &errors.ValidationError{Field: "nodes." + n.ID + ".function", Message: "function is required"}
		}

		if n.Workflow != nil {
			if len(n.Args) > 0 {
				return &errors.ValidationError{
					Field:      "nodes." + n.ID + ".args",
					Message:    "sub-workflow nodes take keyword arguments only",
					Suggestion: "pass nested inputs as kwargs",
				}
			}
			kw := make(map[string]bool, len(n.Kwargs))
			for k := range n.Kwargs {
				kw[k] = true
			}
			if err := n.Workflow.validate(depth+1, kw); err != nil {
				return fmt.Errorf("nodes.%s.workflow: %w", n.ID, err)
			}
		}

		check := func(field string, b Binding) error {
			switch {
			case b.Ref != "":
				if !seen[b.Ref] {
					return &errors.GraphError{Reason: fmt.Sprintf("%s references unknown node %q", field, b.Ref), Nodes: []string{n.ID}}
				}
				if b.Ref == n.ID {
					return &errors.GraphError{Reason: field + " references its own node", Nodes: []string{n.ID, n.ID}}
				}
			case b.Input != "":
				if _, ok := w.Inputs[b.Input]; !ok && !provided[b.Input] {
					return &errors.ValidationError{Field: field, Message: fmt.Sprintf("unknown workflow input %q", b.Input)}
				}
			}
			return nil
		}
		for j, b := range n.Args {
			if err := check(fmt.Sprintf("nodes.%s.args[%d]", n.ID, j), b); err != nil {
				return err
			}
		}
		for k, b := range n.Kwargs {
			if err := check(fmt.Sprintf("nodes.%s.kwargs.%s", n.ID, k), b); err != nil {
				return err
			}
		}
	}

	if w.Output.Node != "" && w.Output.Expr != "" {
		return &errors.ValidationError{Field: "output", Message: "set either output.node or output.expr"}
	}
	if w.Output.Node != "" && !seen[w.Output.Node] {
		return &errors.ValidationError{Field: "output.node", Message: fmt.Sprintf("unknown node %q", w.Output.Node)}
	}
	if w.Output.Expr != "" {
		if _, err := function.CompileExpr(w.Output.Expr); err != nil {
			return &errors.ValidationError{Field: "output.expr", Message: err.Error()}
		}
	}
	return nil
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &errors.ValidationError{Field: "manifest", Message: err.Error()}
	}
	fe := verrs[0]
	msg := fmt.Sprintf("failed %q validation", fe.Tag())
	if fe.Tag() == "nodeid" {
		msg = "node ids start with a letter or underscore and contain only letters, digits, underscores and dots"
	}
	return &errors.ValidationError{Field: fe.Namespace(), Message: msg}
}

// Binding is a node argument.
type Binding struct {
	Value    any
	Ref      string
	Input    string
	Optional bool
}

// Literal returns a literal binding.
func Literal(v any) Binding { return Binding{Value: v} }

// RefTo returns a binding to a producer's output.
func RefTo(node string) Binding { return Binding{Ref: node} }

// IsLiteral reports whether b is a literal value.
func (b Binding) IsLiteral() bool { return b.Ref == "" && b.Input == "" }

var bindingKeys = map[string]bool{"value": true, "ref": true, "input": true, "optional": true}

// fromAny interprets a decoded argument. Mappings made only of binding
// keys are structured bindings; anything else is a literal.
func fromAny(v any) (Binding, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return Binding{Value: v}, nil
	}
	for k := range m {
		if !bindingKeys[k] {
			return Binding{Value: v}, nil
		}
	}
	_, hasValue := m["value"]
	ref, _ := m["ref"].(string)
	input, _ := m["input"].(string)
	set := 0
	if hasValue {
		set++
	}
	if ref != "" {
		set++
	}
	if input != "" {
		set++
	}
	if set != 1 {
		return Binding{}, fmt.Errorf("binding must set exactly one of value, ref or input")
	}
	b := Binding{Value: m["value"], Ref: ref, Input: input}
	if opt, ok := m["optional"].(bool); ok {
		if ref == "" {
			return Binding{}, fmt.Errorf("optional applies to ref bindings only")
		}
		b.Optional = opt
	}
	return b, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Binding) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return err
	}
	parsed, err := fromAny(v)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Binding) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := fromAny(v)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalJSON implements json.Marshaler. Literals are always wrapped so
// a literal mapping survives a round trip.
func (b Binding) MarshalJSON() ([]byte, error) {
	switch {
	case b.Ref != "":
		if b.Optional {
			return json.Marshal(map[string]any{"ref": b.Ref, "optional": true})
		}
		return json.Marshal(map[string]any{"ref": b.Ref})
	case b.Input != "":
		return json.Marshal(map[string]any{"input": b.Input})
	default:
		return json.Marshal(map[string]any{"value": b.Value})
	}
}
