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
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseInputs merges an optional JSON input file ("-" reads stdin) with
// key=value flags. Flag values are decoded as JSON when they parse and
// kept as strings otherwise, so name=alice and n=3 both work.
func ParseInputs(file string, pairs []string, stdin io.Reader) (map[string]any, error) {
	inputs := make(map[string]any)

	if file != "" {
		var data []byte
		var err error
		if file == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return nil, NewMissingInputError("failed to read input file", err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, NewMissingInputError("input file must hold a JSON object", err)
		}
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, NewMissingInputError(fmt.Sprintf("invalid input %q", pair), fmt.Errorf("expected key=value"))
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		inputs[key] = v
	}

	if len(inputs) == 0 {
		return nil, nil
	}
	return inputs, nil
}
