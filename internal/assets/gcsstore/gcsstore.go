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

// Package gcsstore keeps assets in a Google Cloud Storage bucket. It also
// serves gs:// URIs for asset transfer.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tombee/lattice/internal/assets"
	latticeerrors "github.com/tombee/lattice/pkg/errors"
)

// StorageType is recorded on every asset this store writes.
const StorageType = "gcs"

// Config configures the GCS store.
type Config struct {
	Bucket string
	Prefix string

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string

	// Endpoint overrides the API endpoint (emulators).
	Endpoint string

	Algorithm string
}

// Store is a content-addressed GCS store.
type Store struct {
	client *storage.Client
	cfg    Config
}

var (
	_ assets.Store        = (*Store)(nil)
	_ assets.BucketClient = (*Store)(nil)
)

// New creates a storage client for cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, &latticeerrors.ConfigError{Key: "assets.bucket", Reason: "bucket is required for the gcs store"}
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = assets.DefaultAlgorithm
	}
	if !assets.ValidAlgorithm(cfg.Algorithm) {
		return nil, &latticeerrors.ConfigError{Key: "assets.digest_algorithm", Reason: "unsupported algorithm " + cfg.Algorithm}
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) objectKey(alg, digest string) string {
	return path.Join(s.cfg.Prefix, alg, digest)
}

// Put implements assets.Store. Objects are written with a DoesNotExist
// precondition so an existing object is never replaced.
func (s *Store) Put(ctx context.Context, data []byte) (assets.Asset, error) {
	digest, err := assets.Digest(s.cfg.Algorithm, data)
	if err != nil {
		return assets.Asset{}, err
	}
	key := s.objectKey(s.cfg.Algorithm, digest)
	if err := s.write(ctx, s.cfg.Bucket, key, data, true); err != nil {
		return assets.Asset{}, err
	}
	return assets.Asset{
		DigestAlgorithm: s.cfg.Algorithm,
		Digest:          digest,
		StorageType:     StorageType,
		StoragePath:     s.cfg.Bucket,
		ObjectKey:       key,
		RemoteURI:       "gs://" + s.cfg.Bucket + "/" + key,
		Size:            int64(len(data)),
	}, nil
}

// Get implements assets.Store.
func (s *Store) Get(ctx context.Context, a assets.Asset) ([]byte, error) {
	key := a.ObjectKey
	if key == "" {
		key = s.objectKey(a.DigestAlgorithm, a.Digest)
	}
	data, err := s.Download(ctx, s.cfg.Bucket, key)
	if err != nil {
		return nil, err
	}
	if err := assets.Verify(a, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Upload implements assets.BucketClient.
func (s *Store) Upload(ctx context.Context, bucket, key string, data []byte) error {
	return s.write(ctx, bucket, key, data, false)
}

// Download implements assets.BucketClient.
func (s *Store) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, &latticeerrors.NotFoundError{Resource: "asset", ID: "gs://" + bucket + "/" + key}
	}
	if err != nil {
		return nil, fmt.Errorf("opening gs://%s/%s: %w", bucket, key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *Store) write(ctx context.Context, bucket, key string, data []byte, onlyIfAbsent bool) error {
	obj := s.client.Bucket(bucket).Object(key)
	if onlyIfAbsent {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if onlyIfAbsent && errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return nil
}

// Close implements io.Closer.
func (s *Store) Close() error {
	return s.client.Close()
}
