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

// Package assets models the content-addressed blobs tasks consume and
// produce, and moves their bytes between stores and executor backends.
//
// Stores are write-once: Put of identical bytes returns the same Asset,
// and nothing ever overwrites an existing object.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Digest algorithms.
const (
	Blake3  = "blake3"
	SHA256  = "sha256"
	Blake2b = "blake2b"

	DefaultAlgorithm = Blake3
)

// Asset identifies an immutable blob and where it is stored.
type Asset struct {
	DigestAlgorithm string `json:"digest_alg"`
	Digest          string `json:"digest"`
	StorageType     string `json:"storage_type"`
	StoragePath     string `json:"storage_path,omitempty"`
	ObjectKey       string `json:"object_key"`
	RemoteURI       string `json:"remote_uri"`
	Size            int64  `json:"size"`
}

// IsZero reports whether a is unset.
func (a Asset) IsZero() bool { return a.Digest == "" }

// SameContent reports whether a and b hold the same bytes.
func (a Asset) SameContent(b Asset) bool {
	return a.DigestAlgorithm == b.DigestAlgorithm && a.Digest == b.Digest
}

// Store is a content-addressed blob store.
type Store interface {
	Put(ctx context.Context, data []byte) (Asset, error)
	Get(ctx context.Context, a Asset) ([]byte, error)
	io.Closer
}

func newHash(alg string) (hash.Hash, error) {
	switch alg {
	case Blake3, "":
		return blake3.New(), nil
	case SHA256:
		return sha256.New(), nil
	case Blake2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// Digest returns the hex digest of data under alg.
func Digest(alg string, data []byte) (string, error) {
	h, err := newHash(alg)
	if err != nil {
		return "", err
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidAlgorithm reports whether alg is supported.
func ValidAlgorithm(alg string) bool {
	_, err := newHash(alg)
	return err == nil
}

// Verify checks that data matches the asset's digest.
func Verify(a Asset, data []byte) error {
	got, err := Digest(a.DigestAlgorithm, data)
	if err != nil {
		return err
	}
	if got != a.Digest {
		return fmt.Errorf("asset %s: digest mismatch (got %s)", a.Digest, got)
	}
	return nil
}
