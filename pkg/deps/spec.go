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

// Package deps rehydrates declarative task dependencies into hooks that
// run around a task body.
//
// A Spec is the serialized form, discriminated by Kind. Decode turns it
// into one of the typed dependencies (Bash, Package, Call); unknown kinds
// are rejected when a Spec is unmarshalled and again when it is decoded.
package deps

import (
	"encoding/json"
	"fmt"

	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/function"
)

// Kind discriminates dependency specs.
type Kind string

const (
	KindBash       Kind = "bash"
	KindPackage    Kind = "package"
	KindCallBefore Kind = "call_before"
	KindCallAfter  Kind = "call_after"
)

// Phase says whether a hook runs before or after the task body.
type Phase int

const (
	Before Phase = iota
	After
)

// Spec is the serialized dependency envelope. Only the fields belonging
// to Kind are meaningful.
type Spec struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// bash
	Commands []string `json:"commands,omitempty" yaml:"commands,omitempty"`

	// package
	Manager  string   `json:"manager,omitempty" yaml:"manager,omitempty"`
	Packages []string `json:"packages,omitempty" yaml:"packages,omitempty"`

	// call_before, call_after
	Function *function.Ref  `json:"function,omitempty" yaml:"function,omitempty"`
	Args     []any          `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
}

// UnmarshalJSON rejects unknown kinds at decode time.
func (s *Spec) UnmarshalJSON(data []byte) error {
	type plain Spec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if !p.Kind.known() {
		return unknownKind(p.Kind)
	}
	*s = Spec(p)
	return nil
}

func (k Kind) known() bool {
	switch k {
	case KindBash, KindPackage, KindCallBefore, KindCallAfter:
		return true
	}
	return false
}

func unknownKind(k Kind) error {
	return &errors.DependencyResolutionError{
		Kind:  string(k),
		Cause: fmt.Errorf("unknown dependency kind %q (want bash, package, call_before or call_after)", k),
	}
}

// Dependency is a decoded, typed dependency.
type Dependency interface {
	Phase() Phase
	Hook(env Env) (Hook, error)
}

// Bash runs shell-style setup commands before the task body.
type Bash struct {
	Commands []string
}

// Phase implements Dependency.
func (b *Bash) Phase() Phase { return Before }

// Package installs packages with a package manager before the task body.
type Package struct {
	Manager  string
	Packages []string
}

// Phase implements Dependency.
func (p *Package) Phase() Phase { return Before }

// Call invokes a registered function as a hook.
type Call struct {
	When     Phase
	Function function.Ref
	Args     []any
	Kwargs   map[string]any
}

// Phase implements Dependency.
func (c *Call) Phase() Phase { return c.When }

// Decode converts a Spec into its typed Dependency.
func Decode(s Spec) (Dependency, error) {
	switch s.Kind {
	case KindBash:
		if len(s.Commands) == 0 {
			return nil, &errors.DependencyResolutionError{Kind: string(s.Kind), Cause: fmt.Errorf("no commands")}
		}
		return &Bash{Commands: append([]string(nil), s.Commands...)}, nil
	case KindPackage:
		if len(s.Packages) == 0 {
			return nil, &errors.DependencyResolutionError{Kind: string(s.Kind), Cause: fmt.Errorf("no packages")}
		}
		manager := s.Manager
		if manager == "" {
			manager = "pip"
		}
		return &Package{Manager: manager, Packages: append([]string(nil), s.Packages...)}, nil
	case KindCallBefore, KindCallAfter:
		if s.Function == nil {
			return nil, &errors.DependencyResolutionError{Kind: string(s.Kind), Cause: fmt.Errorf("no function")}
		}
		when := Before
		if s.Kind == KindCallAfter {
			when = After
		}
		return &Call{When: when, Function: *s.Function, Args: s.Args, Kwargs: s.Kwargs}, nil
	default:
		return nil, unknownKind(s.Kind)
	}
}

// Split partitions specs by phase, preserving declaration order. Bash and
// package specs are part of the before phase.
func Split(specs []Spec) (before, after []Spec) {
	for _, s := range specs {
		if s.Kind == KindCallAfter {
			after = append(after, s)
		} else {
			before = append(before, s)
		}
	}
	return before, after
}
