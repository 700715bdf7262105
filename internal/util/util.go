// Package util holds the small shared helpers: on-disk JSON configs,
// checksums, size parsing and the daemon lock file.
package util

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/sys/unix"
)

const checksumLength = 64

// LoadConfig reads a JSON config file from dir into v.
func LoadConfig(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", name, err)
	}
	return nil
}

// SaveConfig writes v as JSON to dir/name. The write goes through a temp
// file and a rename so a crash never leaves a half-written config behind.
func SaveConfig(dir, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ConfigExists reports whether dir/name exists.
func ConfigExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

// RemoveConfig deletes dir/name. Removing a missing config is not an error.
func RemoveConfig(dir, name string) error {
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListConfigIDs returns the IDs of all configs in dir matching
// prefix<id>suffix.
func ListConfigIDs(dir, prefix, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
	}
	return ids, nil
}

// Now returns the timestamp format used in all persisted records.
func Now() string {
	return time.Now().Format(time.RFC1123)
}

// ParseSize parses human readable sizes like "500M" or "1G" into bytes.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return units.RAMInBytes(s)
}

// Checksum returns the truncated sha512 hex digest of data.
func Checksum(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])[:checksumLength]
}

// ChecksumReader digests everything readable from r.
func ChecksumReader(r io.Reader) (string, error) {
	h := sha512.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:checksumLength], nil
}

// FileChecksum digests the file at path.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ChecksumReader(f)
}

// LockFile takes an exclusive flock on path, creating it if needed. The
// returned file must stay open for the lifetime of the lock.
func LockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s, another instance may be running: %w", path, err)
	}
	return f, nil
}

// UnlockFile releases the flock and removes the lock file.
func UnlockFile(f *os.File) error {
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return err
	}
	return os.Remove(f.Name())
}

// Execute runs a system binary and returns its stdout. Stderr is folded
// into the error.
func Execute(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// SliceToMap turns repeated key=value flags into a map. A malformed pair
// returns an error rather than being dropped.
func SliceToMap(kvs []string) (map[string]string, error) {
	result := map[string]string{}
	for _, kv := range kvs {
		k, v, found := strings.Cut(kv, "=")
		if !found || k == "" {
			return nil, fmt.Errorf("invalid option %q (expected key=value)", kv)
		}
		result[k] = v
	}
	return result, nil
}
