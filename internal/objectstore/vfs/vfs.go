// Package vfs implements the vfs:// destination scheme: a local directory
// tree acting as an object store.
package vfs

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/blockvault/blockvault/internal/objectstore"
	"github.com/blockvault/blockvault/internal/verror"
)

// Kind is the URL scheme this driver serves.
const Kind = "vfs"

func init() {
	objectstore.Register(Kind, New)
}

// Driver implements objectstore.Driver on a local directory.
type Driver struct {
	path string
}

// New opens a vfs destination. The directory must already exist; a missing
// destination is a lookup error, not something to create on the fly.
func New(u *url.URL) (objectstore.Driver, error) {
	if u.Host != "" {
		return nil, fmt.Errorf("vfs destination %q must use an absolute path (vfs:///path)", u.String())
	}
	dir := u.Path
	if dir == "" {
		return nil, fmt.Errorf("vfs destination %q has no path", u.String())
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, verror.NotFound("destination %s does not exist", dir)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("destination %s is not a directory", dir)
	}
	return &Driver{path: dir}, nil
}

func (d *Driver) Kind() string {
	return Kind
}

func (d *Driver) URL() string {
	return Kind + "://" + d.path
}

func (d *Driver) abs(path string) string {
	return filepath.Join(d.path, filepath.FromSlash(path))
}

func (d *Driver) FileExists(path string) bool {
	return d.FileSize(path) >= 0
}

func (d *Driver) FileSize(path string) int64 {
	st, err := os.Stat(d.abs(path))
	if err != nil || st.IsDir() {
		return -1
	}
	return st.Size()
}

func (d *Driver) Read(path string) (io.ReadCloser, error) {
	return os.Open(d.abs(path))
}

func (d *Driver) Write(path string, r io.Reader) error {
	full := d.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return err
	}
	tmp := full + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, full)
}

// Remove deletes the file and walks empty parent directories back up to
// the destination root.
func (d *Driver) Remove(path string) error {
	full := d.abs(path)
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dir := filepath.Dir(full)
	for dir != d.path {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

func (d *Driver) List(path string) ([]string, error) {
	entries, err := os.ReadDir(d.abs(path))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
