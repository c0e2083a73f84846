package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WindowCount is a fixed-window counter document, persisted as
// {"count", "resetTime", "lastUpdated"} with unix-millisecond timestamps.
type WindowCount struct {
	Count       int   `json:"count"`
	ResetTime   int64 `json:"resetTime"`
	LastUpdated int64 `json:"lastUpdated"`
}

// ConditionalIncrementer is implemented by backends that can check and bump a
// WindowCount in one atomic step. When the window has expired (or the record
// is missing) the counter restarts at 1 with resetTime = now+window. When the
// count has reached limit nothing is written and ok is false.
type ConditionalIncrementer interface {
	IncrementWindow(ctx context.Context, path string, limit int, window time.Duration, now time.Time) (wc WindowCount, ok bool, err error)
}

var _ ConditionalIncrementer = (*Store)(nil)

func (s *Store) IncrementWindow(ctx context.Context, path string, limit int, window time.Duration, now time.Time) (WindowCount, bool, error) {
	path, parent, key, err := cleanPath(path)
	if err != nil {
		return WindowCount{}, false, err
	}
	nowMs := now.UnixMilli()
	resetMs := now.Add(window).UnixMilli()
	stamp := now.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WindowCount{}, false, fmt.Errorf("beginning increment of %s: %w", path, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE kv_nodes
		SET value = json_set(value, '$.count', json_extract(value, '$.count') + 1, '$.lastUpdated', ?),
			updated_at = ?
		WHERE path = ?
			AND json_extract(value, '$.resetTime') > ?
			AND json_extract(value, '$.count') < ?`,
		nowMs, stamp, path, nowMs, limit)
	if err != nil {
		return WindowCount{}, false, fmt.Errorf("incrementing %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return WindowCount{}, false, err
	}
	ok := n == 1

	if !ok {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv_nodes WHERE path = ?`, path).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			ok = true
		case err != nil:
			return WindowCount{}, false, fmt.Errorf("reading %s: %w", path, err)
		default:
			var cur WindowCount
			if err := json.Unmarshal([]byte(raw), &cur); err != nil || cur.ResetTime <= nowMs {
				ok = true
			}
		}
		if ok && limit > 0 {
			data, _ := json.Marshal(WindowCount{Count: 1, ResetTime: resetMs, LastUpdated: nowMs})
			if err := s.upsert(ctx, tx, path, parent, key, data); err != nil {
				return WindowCount{}, false, err
			}
		} else {
			ok = false
		}
	}

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM kv_nodes WHERE path = ?`, path).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WindowCount{}, ok, tx.Commit()
		}
		return WindowCount{}, false, fmt.Errorf("reading %s: %w", path, err)
	}
	var wc WindowCount
	if err := json.Unmarshal([]byte(raw), &wc); err != nil {
		return WindowCount{}, false, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return WindowCount{}, false, fmt.Errorf("committing increment of %s: %w", path, err)
	}
	return wc, ok, nil
}
