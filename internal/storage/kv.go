package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KV is the hierarchical document store the application layers depend on.
// Paths are slash-separated; every document is a JSON value.
type KV interface {
	Get(ctx context.Context, path string, dst any) error
	Set(ctx context.Context, path string, v any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Push(ctx context.Context, parent string, v any) (string, error)
	List(ctx context.Context, parent string) ([]Node, error)
}

var _ KV = (*Store)(nil)

func (s *Store) Get(ctx context.Context, path string, dst any) error {
	path, _, _, err := cleanPath(path)
	if err != nil {
		return err
	}
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv_nodes WHERE path = ?`, path).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (s *Store) Set(ctx context.Context, path string, v any) error {
	path, parent, key, err := cleanPath(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return s.upsert(ctx, s.db, path, parent, key, data)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsert(ctx context.Context, db execer, path, parent, key string, data []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv_nodes (path, parent, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		path, parent, key, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Update merges fields into the object stored at path, creating it when
// missing. A nil field value deletes that field.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	path, parent, key, err := cleanPath(path)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update of %s: %w", path, err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_nodes WHERE path = ?`, path).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	doc, err := mergeFields(json.RawMessage(raw), fields)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := s.upsert(ctx, tx, path, parent, key, data); err != nil {
		return err
	}
	return tx.Commit()
}

// Remove deletes path and everything beneath it. Removing a missing path is
// not an error.
func (s *Store) Remove(ctx context.Context, path string) error {
	path, _, _, err := cleanPath(path)
	if err != nil {
		return err
	}
	// '0' sorts directly after '/', bounding the descendant range.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM kv_nodes WHERE path = ? OR (path >= ? AND path < ?)`,
		path, path+"/", path+"0",
	)
	if err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Push stores v under parent with a generated, time-ordered key.
func (s *Store) Push(ctx context.Context, parent string, v any) (string, error) {
	return push(ctx, s, parent, v)
}

func push(ctx context.Context, kv KV, parent string, v any) (string, error) {
	parent, err := cleanParent(parent)
	if err != nil {
		return "", err
	}
	if parent == "" {
		return "", fmt.Errorf("%w: push needs a parent", ErrInvalidPath)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	key := id.String()
	if err := kv.Set(ctx, parent+"/"+key, v); err != nil {
		return "", err
	}
	return key, nil
}

// List returns the documents stored directly under parent, ordered by key.
func (s *Store) List(ctx context.Context, parent string) ([]Node, error) {
	parent, err := cleanParent(parent)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv_nodes WHERE parent = ? ORDER BY key ASC`, parent)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", parent, err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var raw string
		if err := rows.Scan(&n.Key, &raw); err != nil {
			return nil, err
		}
		n.Value = json.RawMessage(raw)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
