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

package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// BucketClient moves objects in and out of a bucket-addressed object
// store (gs:// URIs).
type BucketClient interface {
	Upload(ctx context.Context, bucket, key string, data []byte) error
	Download(ctx context.Context, bucket, key string) ([]byte, error)
}

// Transfer reads and writes bytes at asset URIs. Supported schemes are
// file, http, https and gs.
type Transfer struct {
	HTTP    *http.Client
	Buckets BucketClient

	// Authorize, if set, decorates outgoing HTTP requests (e.g. bearer
	// tokens for worker asset endpoints).
	Authorize func(*http.Request) error
}

// Upload writes data to uri.
func (t *Transfer) Upload(ctx context.Context, uri string, data []byte) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file", "":
		return writeFile(localPath(u), data)
	case "http", "https":
		return t.doHTTP(ctx, http.MethodPut, uri, data, nil)
	case "gs":
		if t.Buckets == nil {
			return fmt.Errorf("no bucket client configured for %s", uri)
		}
		return t.Buckets.Upload(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), data)
	default:
		return fmt.Errorf("unsupported asset uri scheme %q", u.Scheme)
	}
}

// Download reads the bytes at uri.
func (t *Transfer) Download(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file", "":
		return os.ReadFile(localPath(u))
	case "http", "https":
		var out []byte
		err := t.doHTTP(ctx, http.MethodGet, uri, nil, &out)
		return out, err
	case "gs":
		if t.Buckets == nil {
			return nil, fmt.Errorf("no bucket client configured for %s", uri)
		}
		return t.Buckets.Download(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("unsupported asset uri scheme %q", u.Scheme)
	}
}

func (t *Transfer) doHTTP(ctx context.Context, method, uri string, body []byte, out *[]byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if t.Authorize != nil {
		if err := t.Authorize(req); err != nil {
			return err
		}
	}

	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: HTTP %d: %s", method, uri, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		*out, err = io.ReadAll(resp.Body)
	}
	return err
}

// FileURI returns the file:// URI of an absolute path.
func FileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

func localPath(u *url.URL) string {
	if u.Scheme == "" {
		return u.String()
	}
	return filepath.FromSlash(u.Path)
}

// writeFile writes data atomically by renaming a temp file into place.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteFileAtomic is writeFile exported for stores and executors that
// share the same on-disk conventions.
func WriteFileAtomic(path string, data []byte) error {
	return writeFile(path, data)
}
