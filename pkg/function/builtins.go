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
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

func registerBuiltins(r *Registry) {
	r.builtins["identity"] = identity
	r.builtins["add"] = add
	r.builtins["mul"] = mul
	r.builtins["concat"] = concat
	r.builtins["collect"] = collect
	r.builtins["print"] = printArgs
	r.builtins["sleep"] = sleep
	r.builtins["fail"] = fail
}

// identity returns its single argument, or its kwargs when called with
// keywords only.
func identity(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	switch {
	case len(args) == 1:
		return args[0], nil
	case len(args) == 0:
		return kwargs, nil
	default:
		return args, nil
	}
}

func add(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	var total float64
	for _, v := range numericInputs(args, kwargs) {
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
		total += f
	}
	return total, nil
}

func mul(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	total := 1.0
	for _, v := range numericInputs(args, kwargs) {
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("mul: %w", err)
		}
		total *= f
	}
	return total, nil
}

func concat(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	sep, _ := kwargs["sep"].(string)
	parts := make([]string, 0, len(args))
	for _, v := range args {
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, sep), nil
}

// collect gathers all arguments into one list, keyword values last in key
// order.
func collect(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	out := append([]any{}, args...)
	for _, k := range sortedKeys(kwargs) {
		out = append(out, kwargs[k])
	}
	return out, nil
}

// printArgs writes its arguments to the task's stdout and returns them joined.
func printArgs(ctx context.Context, args []any, _ map[string]any) (any, error) {
	parts := make([]string, 0, len(args))
	for _, v := range args {
		parts = append(parts, fmt.Sprint(v))
	}
	line := strings.Join(parts, " ")
	if _, err := fmt.Fprintln(Stdout(ctx), line); err != nil {
		return nil, err
	}
	return line, nil
}

// sleep waits for args[0] seconds (or kwargs["seconds"]) and returns the
// remaining arguments unchanged.
func sleep(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var raw any
	rest := args
	if len(args) > 0 {
		raw, rest = args[0], args[1:]
	} else {
		raw = kwargs["seconds"]
	}
	secs, err := toFloat(raw)
	if err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}

	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if len(rest) == 1 {
		return rest[0], nil
	}
	return rest, nil
}

func fail(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	msg, _ := kwargs["message"].(string)
	if msg == "" && len(args) > 0 {
		msg = fmt.Sprint(args[0])
	}
	if msg == "" {
		msg = "task failed"
	}
	return nil, errors.New(msg)
}

func numericInputs(args []any, kwargs map[string]any) []any {
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			return list
		}
	}
	out := append([]any{}, args...)
	for _, k := range sortedKeys(kwargs) {
		out = append(out, kwargs[k])
	}
	return out
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
