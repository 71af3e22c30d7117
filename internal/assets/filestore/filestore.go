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

// Package filestore stores assets as files under a root directory, sharded
// by the first two digest characters.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/pkg/errors"
)

// StorageType is recorded on every asset this store writes.
const StorageType = "file"

// Store is a content-addressed directory store.
type Store struct {
	root string
	alg  string
}

var _ assets.Store = (*Store)(nil)

// New creates the root directory if needed.
func New(root, algorithm string) (*Store, error) {
	if algorithm == "" {
		algorithm = assets.DefaultAlgorithm
	}
	if !assets.ValidAlgorithm(algorithm) {
		return nil, &errors.ConfigError{Key: "assets.digest_algorithm", Reason: "unsupported algorithm " + algorithm}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating asset dir: %w", err)
	}
	return &Store{root: abs, alg: algorithm}, nil
}

func (s *Store) path(alg, digest string) string {
	return filepath.Join(s.root, alg, digest[:2], digest)
}

// Put implements assets.Store. Existing objects are never rewritten.
func (s *Store) Put(_ context.Context, data []byte) (assets.Asset, error) {
	digest, err := assets.Digest(s.alg, data)
	if err != nil {
		return assets.Asset{}, err
	}
	p := s.path(s.alg, digest)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		if err := assets.WriteFileAtomic(p, data); err != nil {
			return assets.Asset{}, fmt.Errorf("writing asset: %w", err)
		}
	} else if err != nil {
		return assets.Asset{}, err
	}
	return assets.Asset{
		DigestAlgorithm: s.alg,
		Digest:          digest,
		StorageType:     StorageType,
		StoragePath:     filepath.Dir(p),
		ObjectKey:       digest,
		RemoteURI:       assets.FileURI(p),
		Size:            int64(len(data)),
	}, nil
}

// Get implements assets.Store.
func (s *Store) Get(_ context.Context, a assets.Asset) ([]byte, error) {
	if len(a.Digest) < 2 {
		return nil, &errors.NotFoundError{Resource: "asset", ID: a.Digest}
	}
	data, err := os.ReadFile(s.path(a.DigestAlgorithm, a.Digest))
	if os.IsNotExist(err) {
		return nil, &errors.NotFoundError{Resource: "asset", ID: a.Digest}
	}
	if err != nil {
		return nil, err
	}
	if err := assets.Verify(a, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Close implements io.Closer.
func (s *Store) Close() error { return nil }
