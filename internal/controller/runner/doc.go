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

/*
Package runner is the dispatch engine: it turns compiled workflows into
dispatches and drives each one to a terminal status.

# Key Types

  - Runner: creates, starts, cancels and recovers dispatches
  - StateManager: the in-memory dispatch table and its persistence glue
  - EventBus: per-dispatch status events for followers

# Usage

	r := runner.New(runner.Config{MaxParallel: 8}, be, store,
	    runner.WithExecutors(registry),
	    runner.WithFunctions(functions),
	)

	id, err := r.Create(ctx, manifestBytes)
	if err != nil {
	    return err // GraphError and ValidationError surface here
	}
	if err := r.Start(ctx, id); err != nil {
	    return err
	}
	m, err := r.GetResult(ctx, id, true)

# Admission

Each dispatch owns a semaphore of MaxParallel slots. The admission loop
computes the ready set from the result record, admits ready nodes while
slots are free, marks each RUNNING before launching it, and waits for a
completion before looking again. A node that fails or is cancelled never
lets its dependents become ready; they stay NEW_OBJECT unless the whole
dispatch is cancelled.

# Async Executors

Nodes on an async executor have their payloads uploaded to the
executor's upload location, are submitted with Send, and the returned
job handle is persisted before polling starts. Recover uses those
handles to resume polling after a restart.

# Reuse

WithReuse compares the new graph against a previous dispatch. Nodes whose
fingerprints and parents match go NEW_OBJECT -> PENDING_REUSE ->
COMPLETED with the previous dispatch's assets linked in, without being
submitted again.
*/
package runner
