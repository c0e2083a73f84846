//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.studychat.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "studychat")
	}
	return "studychat-data"
}

func apiKeyHint() string {
	return " or macOS Keychain (service: studychat, account: generation_api_key)"
}

type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

// run invokes `defaults <verb> <domain> args...`. Exit status 1 means the
// key does not exist and is reported as errMissingDefault.
func (b *darwinBackend) run(verb string, args ...string) (string, error) {
	out, err := exec.Command("defaults", append([]string{verb, b.domain}, args...)...).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && verb != "write" {
			return "", errMissingDefault
		}
		return "", fmt.Errorf("defaults %s %s: %w: %s", verb, strings.Join(args, " "), err, s)
	}
	return s, nil
}

var errMissingDefault = errors.New("default not set")

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	s, err := b.run("read", key)
	if errors.Is(err, errMissingDefault) {
		return "", false, nil
	}
	return s, err == nil, err
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid integer %q", key, s)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	_, err := b.run("write", key, "-string", val)
	return err
}

func (b *darwinBackend) SetInt(key string, val int) error {
	_, err := b.run("write", key, "-int", strconv.Itoa(val))
	return err
}

// Delete treats a missing key as already deleted.
func (b *darwinBackend) Delete(key string) error {
	_, err := b.run("delete", key)
	if errors.Is(err, errMissingDefault) {
		return nil
	}
	return err
}
