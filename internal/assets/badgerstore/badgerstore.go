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

// Package badgerstore keeps assets in an embedded badger key-value store.
// In-memory mode makes it the asset store of choice for tests and
// single-process runs that need nothing on disk.
package badgerstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/pkg/errors"
)

// StorageType is recorded on every asset this store writes.
const StorageType = "badger"

// Config configures the badger store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	InMemory   bool
	SyncWrites bool

	// Algorithm is the digest algorithm for new assets.
	Algorithm string

	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// Store is a content-addressed badger store.
type Store struct {
	db   *badger.DB
	cfg  Config
	path string
}

var _ assets.Store = (*Store)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) the store.
func Open(cfg Config) (*Store, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = assets.DefaultAlgorithm
	}
	if !assets.ValidAlgorithm(cfg.Algorithm) {
		return nil, &errors.ConfigError{Key: "assets.digest_algorithm", Reason: "unsupported algorithm " + cfg.Algorithm}
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, &errors.ConfigError{Key: "assets.path", Reason: "path is required for a persistent badger store"}
	}

	var opts badger.Options
	path := ":memory:"
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create asset database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
		path = cfg.Path
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger asset store: %w", err)
	}
	return &Store{db: db, cfg: cfg, path: path}, nil
}

func key(alg, digest string) []byte {
	return []byte("asset/" + alg + "/" + digest)
}

// Put implements assets.Store.
func (s *Store) Put(_ context.Context, data []byte) (assets.Asset, error) {
	digest, err := assets.Digest(s.cfg.Algorithm, data)
	if err != nil {
		return assets.Asset{}, err
	}
	k := key(s.cfg.Algorithm, digest)

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(k, data)
	})
	if err != nil {
		return assets.Asset{}, fmt.Errorf("writing asset: %w", err)
	}

	return assets.Asset{
		DigestAlgorithm: s.cfg.Algorithm,
		Digest:          digest,
		StorageType:     StorageType,
		StoragePath:     s.path,
		ObjectKey:       string(k),
		RemoteURI:       "badger://" + s.cfg.Algorithm + "/" + digest,
		Size:            int64(len(data)),
	}, nil
}

// Get implements assets.Store.
func (s *Store) Get(_ context.Context, a assets.Asset) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(a.DigestAlgorithm, a.Digest))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
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
func (s *Store) Close() error {
	return s.db.Close()
}
