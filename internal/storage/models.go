package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidPath is returned for empty paths or paths with empty segments.
var ErrInvalidPath = errors.New("invalid path")

// Node is one child document returned by List.
type Node struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the node value into dst.
func (n Node) Decode(dst any) error {
	return json.Unmarshal(n.Value, dst)
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	DedupKey    string // non-empty keys allow at most one pending/running job
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// cleanPath normalizes a slash-separated path and splits off its parent and
// final key. Top-level documents have an empty parent.
func cleanPath(p string) (path, parent, key string, err error) {
	path = strings.Trim(p, "/")
	if path == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return "", "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path, path[:i], path[i+1:], nil
	}
	return path, "", path, nil
}

// cleanParent normalizes a collection path. The empty string is the root.
func cleanParent(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", nil
	}
	path, _, _, err := cleanPath(p)
	return path, err
}

// mergeFields overlays fields onto the JSON object in current. A missing or
// non-object current value is replaced.
func mergeFields(current json.RawMessage, fields map[string]any) (map[string]any, error) {
	doc := make(map[string]any)
	if len(current) > 0 {
		if err := json.Unmarshal(current, &doc); err != nil || doc == nil {
			doc = make(map[string]any)
		}
	}
	for k, v := range fields {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	return doc, nil
}
