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

package executor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/status"
)

type named struct {
	name string
	cfg  Config
}

func (n *named) Name() string { return n.name }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	factory := func(name string, cfg Config) (Executor, error) { return &named{name: name, cfg: cfg}, nil }
	require.NoError(t, r.Register("remote", factory))
	assert.Error(t, r.Register("remote", factory))

	require.NoError(t, r.Alias("gpu", "remote", Config{"address": "http://gpu:9090", "poll_interval": "1s"}))
	assert.Error(t, r.Alias("x", "missing", nil))
	assert.Equal(t, []string{"gpu", "remote"}, r.Keys())

	e, err := r.New("gpu", Config{"poll_interval": "5s"})
	require.NoError(t, err)
	n := e.(*named)
	assert.Equal(t, "gpu", n.Name())
	assert.Equal(t, "http://gpu:9090", n.cfg.String("address", ""))
	assert.Equal(t, 5*time.Second, n.cfg.Duration("poll_interval", 0))

	_, err = r.New("nope", nil)
	var nf *errors.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestConfigAccessors(t *testing.T) {
	cfg := Config{
		"limit":   "250ms",
		"secs":    2,
		"n":       float64(3),
		"command": []any{"lattice", "task-run"},
	}
	assert.Equal(t, 250*time.Millisecond, cfg.Duration("limit", 0))
	assert.Equal(t, 2*time.Second, cfg.Duration("secs", 0))
	assert.Equal(t, time.Minute, cfg.Duration("missing", time.Minute))
	assert.Equal(t, 3, cfg.Int("n", 0))
	assert.Equal(t, []string{"lattice", "task-run"}, cfg.Strings("command", nil))
	assert.Equal(t, "d", cfg.String("missing", "d"))
}

func TestPool_LazyPerAddress(t *testing.T) {
	var dials, releases atomic.Int32
	pool := NewPool(func(addr string) (*string, error) {
		dials.Add(1)
		if addr == "bad" {
			return nil, fmt.Errorf("unreachable")
		}
		s := addr
		return &s, nil
	}, func(*string) error {
		releases.Add(1)
		return nil
	})

	assert.Equal(t, 0, pool.Len(), "nothing is dialed up front")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := "a"
			if i%2 == 1 {
				addr = "b"
			}
			c, err := pool.Get(addr)
			assert.NoError(t, err)
			assert.Equal(t, addr, *c)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, 2, pool.Len())

	_, err := pool.Get("bad")
	assert.Error(t, err)
	assert.Equal(t, 2, pool.Len())

	require.NoError(t, pool.Close())
	assert.Equal(t, int32(2), releases.Load())
	_, err = pool.Get("a")
	assert.Error(t, err)
}

func TestJobHandle_RoundTrip(t *testing.T) {
	h := JobHandle{Executor: "process", JobID: "j-1", Data: map[string]string{"pid": "42"}}
	s, err := h.Marshal()
	require.NoError(t, err)
	back, err := ParseHandle(s)
	require.NoError(t, err)
	assert.Equal(t, h, back)
}

func TestTaskResultStatus(t *testing.T) {
	assert.Equal(t, status.Completed, TaskResult{Output: []byte("1")}.Status())
	assert.Equal(t, status.Failed, Failed(fmt.Errorf("x"), "task_runtime").Status())
}

func TestUploadName(t *testing.T) {
	assert.Equal(t, "asset_d1-n2_function", UploadName(TaskMetadata{DispatchID: "d1", NodeID: "n2"}, "function"))
}
