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

package function

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/lattice/pkg/errors"
)

// DefaultJQTimeout bounds a single jq evaluation.
const DefaultJQTimeout = 5 * time.Second

type jqRunner struct {
	timeout time.Duration
}

func newJQRunner(timeout time.Duration) *jqRunner {
	if timeout == 0 {
		timeout = DefaultJQTimeout
	}
	return &jqRunner{timeout: timeout}
}

// resolve compiles source once and returns a Func applying it to the task
// input: kwargs["input"] if set, a single positional argument, or the whole
// kwargs object.
func (j *jqRunner) resolve(source string) (Func, error) {
	query, err := gojq.Parse(source)
	if err != nil {
		return nil, &errors.ValidationError{Field: "function.source", Message: fmt.Sprintf("invalid jq program: %v", err)}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{Field: "function.source", Message: fmt.Sprintf("jq compilation failed: %v", err)}
	}

	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		input, err := jqInput(args, kwargs)
		if err != nil {
			return nil, err
		}
		return j.run(ctx, code, input)
	}, nil
}

func (j *jqRunner) run(ctx context.Context, code *gojq.Code, input any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("jq execution timeout after %v", j.timeout)
			}
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// jqInput picks the value the program runs on and normalizes it into the
// plain JSON types gojq accepts.
func jqInput(args []any, kwargs map[string]any) (any, error) {
	var input any
	if v, ok := kwargs["input"]; ok {
		input = v
	} else if len(args) == 1 {
		input = args[0]
	} else if len(args) > 1 {
		input = args
	} else {
		input = kwargs
	}

	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("jq input is not JSON-compatible: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}
