//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// secrets maps service -> account -> value.
type secrets map[string]map[string]string

// secretsFilePath is the owner-only secrets file under XDG_DATA_HOME.
func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "studychat", "secrets.json")
}

func readSecrets(path string) (secrets, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return secrets{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var s secrets
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	if s == nil {
		s = secrets{}
	}
	return s, nil
}

func keychainGet(service, account string) ([]byte, error) {
	s, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, err
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret stored for %s/%s", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	path := secretsFilePath()
	s, err := readSecrets(path)
	if err != nil {
		return err
	}
	if s[service] == nil {
		s[service] = make(map[string]string)
	}
	s[service][account] = value

	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, out)
}
