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

package errors

import (
	"errors"
	"fmt"
)

// Wrap annotates err with message. Returns nil if err is nil.
//
//	if err := store.Put(ctx, data); err != nil {
//	    return errors.Wrap(err, "storing output")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf annotates err with a formatted message. Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is wraps errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As from the standard library.
//
//	var consumed *errors.HandleConsumedError
//	if errors.As(err, &consumed) {
//	    // the job result was already read
//	}
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join wraps errors.Join from the standard library.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// New wraps errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}
