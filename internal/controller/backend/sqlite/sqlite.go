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

// Package sqlite provides a SQLite backend implementation for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.DispatchStore  = (*Backend)(nil)
	_ backend.NodeStore      = (*Backend)(nil)
	_ backend.AssetLinkStore = (*Backend)(nil)
	_ backend.JobStore       = (*Backend)(nil)
	_ backend.Backend        = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS dispatches (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			root_id TEXT NOT NULL,
			parent_id TEXT,
			parent_node_id TEXT,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			definition TEXT,
			cancel_requested INTEGER DEFAULT 0,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_status ON dispatches(status)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_root_id ON dispatches(root_id)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			dispatch_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			executor TEXT,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (dispatch_id, node_id),
			FOREIGN KEY (dispatch_id) REFERENCES dispatches(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS asset_links (
			dispatch_id TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			asset TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (dispatch_id, node_id, key),
			FOREIGN KEY (dispatch_id) REFERENCES dispatches(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			dispatch_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			handle TEXT NOT NULL,
			status TEXT NOT NULL,
			cancel_requested INTEGER DEFAULT 0,
			cancel_successful INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (dispatch_id, node_id),
			FOREIGN KEY (dispatch_id) REFERENCES dispatches(id) ON DELETE CASCADE
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const dispatchColumns = `id, root_id, parent_id, parent_node_id, name, status, definition,
	cancel_requested, error, started_at, completed_at, created_at, updated_at`

// CreateDispatch creates a new dispatch.
func (b *Backend) CreateDispatch(ctx context.Context, d *backend.Dispatch) error {
	query := `INSERT INTO dispatches (` + dispatchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx, query,
		d.ID, d.RootID, nullString(d.ParentID), nullString(d.ParentNodeID), d.Name, d.Status,
		nullBytes(d.Definition), d.CancelRequested, nullString(d.Error),
		formatTime(d.StartedAt), formatTime(d.CompletedAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create dispatch: %w", err)
	}

	d.CreatedAt = now
	d.UpdatedAt = now
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row scanner) (*backend.Dispatch, error) {
	var d backend.Dispatch
	var parentID, parentNodeID, definition, errorStr sql.NullString
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&d.ID, &d.RootID, &parentID, &parentNodeID, &d.Name, &d.Status, &definition,
		&d.CancelRequested, &errorStr, &startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.ParentID = parentID.String
	d.ParentNodeID = parentNodeID.String
	d.Error = errorStr.String
	if definition.Valid && definition.String != "" {
		d.Definition = json.RawMessage(definition.String)
	}
	d.StartedAt = parseTime(startedAt)
	d.CompletedAt = parseTime(completedAt)
	if t := parseTime(createdAt); t != nil {
		d.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		d.UpdatedAt = *t
	}
	return &d, nil
}

// GetDispatch retrieves a dispatch by ID.
func (b *Backend) GetDispatch(ctx context.Context, id string) (*backend.Dispatch, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE id = ?`, id)
	d, err := scanDispatch(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "dispatch", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch: %w", err)
	}
	return d, nil
}

// UpdateDispatch updates an existing dispatch.
func (b *Backend) UpdateDispatch(ctx context.Context, d *backend.Dispatch) error {
	query := `
		UPDATE dispatches SET
			root_id = ?, parent_id = ?, parent_node_id = ?, name = ?, status = ?,
			definition = ?, cancel_requested = ?, error = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	result, err := b.db.ExecContext(ctx, query,
		d.RootID, nullString(d.ParentID), nullString(d.ParentNodeID), d.Name, d.Status,
		nullBytes(d.Definition), d.CancelRequested, nullString(d.Error),
		formatTime(d.StartedAt), formatTime(d.CompletedAt), now.Format(time.RFC3339Nano),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update dispatch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &errors.NotFoundError{Resource: "dispatch", ID: d.ID}
	}

	d.UpdatedAt = now
	return nil
}

// ListDispatches lists dispatches with optional filtering.
func (b *Backend) ListDispatches(ctx context.Context, filter backend.DispatchFilter) ([]*backend.Dispatch, error) {
	query := `SELECT ` + dispatchColumns + ` FROM dispatches WHERE 1=1`
	var args []any

	if filter.RootID != "" {
		query += " AND root_id = ?"
		args = append(args, filter.RootID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		query += " AND status IN (" + strings.Join(marks, ", ") + ")"
	}

	query += " ORDER BY seq ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatches: %w", err)
	}
	defer rows.Close()

	var dispatches []*backend.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		dispatches = append(dispatches, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dispatches: %w", err)
	}

	return dispatches, nil
}

// UpsertNode inserts or replaces a node row.
func (b *Backend) UpsertNode(ctx context.Context, n *backend.Node) error {
	query := `
		INSERT INTO nodes (dispatch_id, node_id, seq, name, executor, status, error,
			started_at, completed_at, updated_at)
		VALUES (?, ?, (SELECT COUNT(*) FROM nodes WHERE dispatch_id = ?), ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dispatch_id, node_id) DO UPDATE SET
			name = excluded.name,
			executor = excluded.executor,
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx, query,
		n.DispatchID, n.NodeID, n.DispatchID, n.Name, nullString(n.Executor), n.Status,
		nullString(n.Error), formatTime(n.StartedAt), formatTime(n.CompletedAt),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}
	n.UpdatedAt = now
	return nil
}

// ListNodes returns a dispatch's nodes in insertion order.
func (b *Backend) ListNodes(ctx context.Context, dispatchID string) ([]*backend.Node, error) {
	query := `
		SELECT dispatch_id, node_id, name, executor, status, error, started_at, completed_at, updated_at
		FROM nodes WHERE dispatch_id = ? ORDER BY seq ASC
	`

	rows, err := b.db.QueryContext(ctx, query, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*backend.Node
	for rows.Next() {
		var n backend.Node
		var executor, errorStr, startedAt, completedAt, updatedAt sql.NullString
		if err := rows.Scan(&n.DispatchID, &n.NodeID, &n.Name, &executor, &n.Status, &errorStr,
			&startedAt, &completedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n.Executor = executor.String
		n.Error = errorStr.String
		n.StartedAt = parseTime(startedAt)
		n.CompletedAt = parseTime(completedAt)
		if t := parseTime(updatedAt); t != nil {
			n.UpdatedAt = *t
		}
		nodes = append(nodes, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// AssociateAsset records an asset link. Links are write-once.
func (b *Backend) AssociateAsset(ctx context.Context, link *backend.AssetLink) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT asset FROM asset_links WHERE dispatch_id = ? AND node_id = ? AND key = ?`,
		link.DispatchID, link.NodeID, link.Key,
	).Scan(&existing)
	switch {
	case err == nil:
		var prev backend.AssetLink
		if err := json.Unmarshal([]byte(existing), &prev.Asset); err != nil {
			return fmt.Errorf("failed to unmarshal asset: %w", err)
		}
		if prev.Asset.SameContent(link.Asset) {
			return nil
		}
		return &errors.ValidationError{
			Field:   link.Key,
			Message: fmt.Sprintf("asset link %s/%s/%s already points to %s", link.DispatchID, link.NodeID, link.Key, prev.Asset.Digest),
		}
	case err != sql.ErrNoRows:
		return fmt.Errorf("failed to read asset link: %w", err)
	}

	assetJSON, err := json.Marshal(link.Asset)
	if err != nil {
		return fmt.Errorf("failed to marshal asset: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO asset_links (dispatch_id, node_id, key, asset, created_at) VALUES (?, ?, ?, ?, ?)`,
		link.DispatchID, link.NodeID, link.Key, string(assetJSON), now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to associate asset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	link.CreatedAt = now
	return nil
}

// ListAssetLinks returns every link of a dispatch.
func (b *Backend) ListAssetLinks(ctx context.Context, dispatchID string) ([]*backend.AssetLink, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT dispatch_id, node_id, key, asset, created_at FROM asset_links WHERE dispatch_id = ? ORDER BY rowid ASC`,
		dispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list asset links: %w", err)
	}
	defer rows.Close()

	links := []*backend.AssetLink{}
	for rows.Next() {
		var l backend.AssetLink
		var assetJSON string
		var createdAt sql.NullString
		if err := rows.Scan(&l.DispatchID, &l.NodeID, &l.Key, &assetJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan asset link: %w", err)
		}
		if err := json.Unmarshal([]byte(assetJSON), &l.Asset); err != nil {
			return nil, fmt.Errorf("failed to unmarshal asset: %w", err)
		}
		if t := parseTime(createdAt); t != nil {
			l.CreatedAt = *t
		}
		links = append(links, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating asset links: %w", err)
	}
	return links, nil
}

// UpsertJob inserts or replaces a job record.
func (b *Backend) UpsertJob(ctx context.Context, j *backend.Job) error {
	query := `
		INSERT INTO jobs (dispatch_id, node_id, handle, status, cancel_requested, cancel_successful,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dispatch_id, node_id) DO UPDATE SET
			handle = excluded.handle,
			status = excluded.status,
			cancel_requested = excluded.cancel_requested,
			cancel_successful = excluded.cancel_successful,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx, query,
		j.DispatchID, j.NodeID, j.Handle, j.Status, j.CancelRequested, j.CancelSuccessful,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	j.UpdatedAt = now
	return nil
}

const jobColumns = `dispatch_id, node_id, handle, status, cancel_requested, cancel_successful, created_at, updated_at`

func scanJob(row scanner) (*backend.Job, error) {
	var j backend.Job
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&j.DispatchID, &j.NodeID, &j.Handle, &j.Status,
		&j.CancelRequested, &j.CancelSuccessful, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		j.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		j.UpdatedAt = *t
	}
	return &j, nil
}

// GetJob returns the job of a node.
func (b *Backend) GetJob(ctx context.Context, dispatchID, nodeID string) (*backend.Job, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE dispatch_id = ? AND node_id = ?`, dispatchID, nodeID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "job", ID: dispatchID + "/" + nodeID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListJobs returns every job of a dispatch.
func (b *Backend) ListJobs(ctx context.Context, dispatchID string) ([]*backend.Job, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE dispatch_id = ? ORDER BY created_at ASC`, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*backend.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Helper functions

// formatTime formats a time pointer for SQLite storage.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
