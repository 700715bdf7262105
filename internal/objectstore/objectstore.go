// Package objectstore bridges snapshots to backup destinations. A
// destination is an object-store locator (vfs:// directory or s3://
// bucket); backups are immutable records plus a data blob stored under a
// content-addressed layout, independent of the originating volume's
// lifetime.
package objectstore

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/blockvault/blockvault/internal/verror"
)

// Driver is the interface a destination scheme implements. All paths are
// relative to the destination root.
type Driver interface {
	// Kind returns the URL scheme ("vfs", "s3").
	Kind() string

	// URL returns the normalized destination URL without query parameters.
	URL() string

	FileExists(path string) bool

	// FileSize returns a negative value when the file is absent.
	FileSize(path string) int64

	Read(path string) (io.ReadCloser, error)
	Write(path string, r io.Reader) error

	// Remove deletes a file and prunes any directories left empty.
	Remove(path string) error

	// List returns the file names directly under path.
	List(path string) ([]string, error)
}

// InitFunc creates a destination driver from a parsed destination URL.
type InitFunc func(u *url.URL) (Driver, error)

var (
	schemesMu sync.RWMutex
	schemes   = make(map[string]InitFunc)
)

// Register adds a destination scheme. Called from init() in scheme
// packages.
func Register(kind string, initFunc InitFunc) {
	schemesMu.Lock()
	defer schemesMu.Unlock()

	if _, exists := schemes[kind]; exists {
		panic(fmt.Sprintf("objectstore driver %q already registered", kind))
	}
	schemes[kind] = initFunc
}

// GetDriver opens the destination named by destURL.
func GetDriver(destURL string) (Driver, error) {
	u, err := url.Parse(destURL)
	if err != nil {
		return nil, fmt.Errorf("invalid destination URL %q: %w", destURL, err)
	}

	schemesMu.RLock()
	initFunc, ok := schemes[u.Scheme]
	schemesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("destination scheme %q is not supported", u.Scheme)
	}
	return initFunc(u)
}

// EncodeBackupURL builds the canonical backup URL: the destination plus
// the backup and volume identifiers as query parameters.
func EncodeBackupURL(destURL, backupUUID, volumeUUID string) string {
	v := url.Values{}
	v.Add("backup", backupUUID)
	v.Add("volume", volumeUUID)
	return destURL + "?" + v.Encode()
}

// DecodeBackupURL splits a backup URL back into destination, backup UUID
// and volume UUID. Both identifiers must be full UUIDs; the destination
// layout is keyed by them.
func DecodeBackupURL(backupURL string) (string, string, string, error) {
	u, err := url.Parse(backupURL)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid backup URL %q: %w", backupURL, err)
	}
	backupUUID := u.Query().Get("backup")
	volumeUUID := u.Query().Get("volume")
	if uuid.Validate(backupUUID) != nil || uuid.Validate(volumeUUID) != nil {
		return "", "", "", verror.NotFound("%q is not a backup URL", backupURL)
	}
	dest := strings.SplitN(backupURL, "?", 2)[0]
	return dest, backupUUID, volumeUUID, nil
}
