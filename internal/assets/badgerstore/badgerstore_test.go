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

package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/pkg/errors"
)

func TestStore_InMemory(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	a, err := s.Put(ctx, []byte("stdout line\n"))
	require.NoError(t, err)
	assert.Equal(t, StorageType, a.StorageType)
	assert.Equal(t, assets.Blake3, a.DigestAlgorithm)
	assert.Equal(t, int64(12), a.Size)

	again, err := s.Put(ctx, []byte("stdout line\n"))
	require.NoError(t, err)
	assert.Equal(t, a, again)

	data, err := s.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "stdout line\n", string(data))

	_, err = s.Get(ctx, assets.Asset{DigestAlgorithm: assets.Blake3, Digest: "00"})
	var nf *errors.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir, Algorithm: assets.SHA256, SyncWrites: true})
	require.NoError(t, err)
	a, err := s.Put(context.Background(), []byte("kept"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(Config{Path: dir, Algorithm: assets.SHA256})
	require.NoError(t, err)
	defer reopened.Close()
	data, err := reopened.Get(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	var cfgErr *errors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}
