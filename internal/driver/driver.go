// Package driver defines the storage backend interface and its registry.
// Backends register themselves from init(); import the drivers aggregator
// package to pull in all built-in backends.
package driver

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// OptMountsDir is the option every driver receives with the daemon's
// directory for auto-generated mount points.
const OptMountsDir = "mounts.dir"

// Driver abstracts block-volume operations over a storage backend. Volume
// and snapshot IDs are the registry UUIDs; drivers keep their own state
// keyed by them.
type Driver interface {
	// Name returns the driver identifier ("devicemapper", "vfs", ...).
	Name() string

	// Info returns driver-specific status fields for the info command.
	Info() (map[string]string, error)

	CreateVolume(id string, size int64) error
	DeleteVolume(id string) error

	// MountVolume mounts the volume and returns the effective mount point.
	// An empty mountPoint asks the driver to pick one. Mounting an
	// already-mounted volume returns the existing path.
	MountVolume(id, mountPoint string) (string, error)
	UmountVolume(id string) error

	CreateSnapshot(id, volumeID string) error
	DeleteSnapshot(id, volumeID string) error
	SnapshotSize(id, volumeID string) (int64, error)

	// ExportSnapshot streams the snapshot's data. The caller closes the
	// stream.
	ExportSnapshot(ctx context.Context, id, volumeID string) (io.ReadCloser, error)

	// ImportVolume fills a freshly created volume from an exported stream.
	ImportVolume(ctx context.Context, id string, size int64, r io.Reader) error

	// Shutdown releases backend resources held by the driver.
	Shutdown() error
}

// InitFunc creates a driver rooted at the given state directory.
type InitFunc func(root string, opts map[string]string) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]InitFunc)
)

// Register adds a driver to the registry. Called from init() in backend
// packages.
func Register(name string, initFunc InitFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("driver %q already registered", name))
	}
	registry[name] = initFunc
}

// New instantiates a registered driver.
func New(name, root string, opts map[string]string) (Driver, error) {
	registryMu.RLock()
	initFunc, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("driver %q is not supported (available: %v)", name, List())
	}
	return initFunc(root, opts)
}

// List returns the registered driver names, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
