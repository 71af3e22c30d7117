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

package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
)

var meta = executor.TaskMetadata{DispatchID: "d", NodeID: "n"}

func newLocal(t *testing.T, cfg executor.Config) *Executor {
	t.Helper()
	e, err := New(Key, cfg)
	require.NoError(t, err)
	return e.(*Executor)
}

func TestRun_ReturnsOutput(t *testing.T) {
	e := newLocal(t, nil)
	out, err := e.Run(context.Background(), func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		return []any{args[0], kwargs["k"]}, nil
	}, []any{1}, map[string]any{"k": "v"}, meta)
	require.NoError(t, err)
	assert.Equal(t, []any{1, "v"}, out)
}

func TestRun_PanicBecomesTaskRuntimeError(t *testing.T) {
	e := newLocal(t, nil)
	_, err := e.Run(context.Background(), func(context.Context, []any, map[string]any) (any, error) {
		panic("kaboom")
	}, nil, nil, meta)

	var rt *errors.TaskRuntimeError
	require.True(t, errors.As(err, &rt))
	assert.True(t, rt.Panic)
	assert.Equal(t, "n", rt.NodeID)
}

func TestRun_HonorsCancellation(t *testing.T) {
	e := newLocal(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := e.Run(ctx, func(context.Context, []any, map[string]any) (any, error) {
		<-release
		return nil, nil
	}, nil, nil, meta)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_Timeout(t *testing.T) {
	e := newLocal(t, executor.Config{"timeout": "20ms"})
	_, err := e.Run(context.Background(), func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, nil, meta)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
