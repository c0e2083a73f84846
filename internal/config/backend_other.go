//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "studychat-data"
		}
	}
	return filepath.Join(dir, "studychat")
}

func apiKeyHint() string {
	return ""
}

// fileBackend keeps config keys in one JSON object under XDG_CONFIG_HOME.
// Values stay raw until read so numbers keep their written form.
type fileBackend struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]json.RawMessage)}
	b.load()
	return b
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "studychat", "config.json")
}

func (b *fileBackend) load() {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Warn("config file unreadable, using defaults", "path", b.path, "error", err)
		return
	}
	if err := json.Unmarshal(raw, &b.data); err != nil {
		slog.Warn("config file is not a JSON object, using defaults", "path", b.path, "error", err)
		b.data = make(map[string]json.RawMessage)
	}
}

// save writes b.data back to disk. Callers hold b.mu.
func (b *fileBackend) save() error {
	out, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return writeFileAtomic(b.path, out)
}

// writeFileAtomic replaces path through a temp file and rename so a crash
// never leaves half-written JSON behind. The file is readable by the owner
// only.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	b.mu.Lock()
	raw, ok := b.data[key]
	b.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true, nil
	}
	// Numbers and booleans come back in their JSON spelling.
	return string(raw), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	b.mu.Lock()
	raw, ok := b.data[key]
	b.mu.Unlock()
	if !ok {
		return 0, false, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, true, fmt.Errorf("%s: expected an integer, got %s", key, raw)
		}
		n = json.Number(s)
	}
	i, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid integer %q", key, n)
	}
	return i, true, nil
}

func (b *fileBackend) set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = raw
	return b.save()
}

func (b *fileBackend) SetString(key, val string) error {
	return b.set(key, val)
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.set(key, val)
}

func (b *fileBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return b.save()
}
