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

// Package status defines the closed set of workflow and node lifecycle
// states and the transitions allowed between them.
//
// A Status is compared only against other Status values. The display
// string (e.g. "COMPLETED") is used at persistence and wire boundaries,
// and Parse converts it back.
package status

import (
	"database/sql/driver"
	"fmt"
)

// Status is a workflow or node lifecycle state.
type Status uint8

const (
	// NewObject is the initial state; for nodes it means not yet started.
	NewObject Status = iota
	Starting
	Running
	Completed
	Failed
	Cancelled
	PendingPostprocessing
	Postprocessing
	PostprocessingFailed
	DispatchingSublattice
	PendingReuse
)

var names = [...]string{
	NewObject:             "NEW_OBJECT",
	Starting:              "STARTING",
	Running:               "RUNNING",
	Completed:             "COMPLETED",
	Failed:                "FAILED",
	Cancelled:             "CANCELLED",
	PendingPostprocessing: "PENDING_POSTPROCESSING",
	Postprocessing:        "POSTPROCESSING",
	PostprocessingFailed:  "POSTPROCESSING_FAILED",
	DispatchingSublattice: "DISPATCHING_SUBLATTICE",
	PendingReuse:          "PENDING_REUSE",
}

// All returns every status in declaration order.
func All() []Status {
	out := make([]Status, len(names))
	for i := range names {
		out[i] = Status(i)
	}
	return out
}

// String returns the display name.
func (s Status) String() string {
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	return int(s) < len(names)
}

// Parse converts a display name back into a Status.
func Parse(name string) (Status, error) {
	for i, n := range names {
		if n == name {
			return Status(i), nil
		}
	}
	return NewObject, fmt.Errorf("unknown status %q", name)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled, PostprocessingFailed:
		return true
	}
	return false
}

// IsSuccess reports whether s is the successful terminal state.
func (s Status) IsSuccess() bool {
	return s == Completed
}

// IsActive reports whether work is in flight in this state.
func (s Status) IsActive() bool {
	switch s {
	case Starting, Running, DispatchingSublattice, PendingPostprocessing, Postprocessing:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value implements driver.Valuer so a Status persists as its display name.
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	case nil:
		*s = NewObject
		return nil
	default:
		return fmt.Errorf("cannot scan %T into status", src)
	}
}
