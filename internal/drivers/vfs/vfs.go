// Package vfs implements the directory-tree storage backend. A volume is a
// plain directory; snapshots are recursive copies; export and import are
// gzip-compressed tar streams. There is no real block device, so mount
// always answers with the volume's static path.
package vfs

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/blockvault/blockvault/internal/driver"
	"github.com/blockvault/blockvault/internal/verror"
)

const (
	// DriverName selects this backend.
	DriverName = "vfs"

	// OptPath is the required driver-opt with the backing directory.
	OptPath = "vfs.path"

	volumesDir   = "volumes"
	snapshotsDir = "snapshots"
)

func init() {
	driver.Register(DriverName, New)
}

// Driver implements driver.Driver on a directory tree.
type Driver struct {
	root string
	path string
}

// New creates the vfs driver. opts must carry vfs.path.
func New(root string, opts map[string]string) (driver.Driver, error) {
	path := opts[OptPath]
	if path == "" {
		return nil, fmt.Errorf("vfs driver requires %q option: %w", OptPath, verror.ErrStartup)
	}
	for _, dir := range []string{filepath.Join(path, volumesDir), filepath.Join(path, snapshotsDir)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to prepare vfs root: %w", err)
		}
	}
	return &Driver{root: root, path: path}, nil
}

func (d *Driver) Name() string {
	return DriverName
}

func (d *Driver) Info() (map[string]string, error) {
	return map[string]string{
		"Driver": DriverName,
		"Root":   d.root,
		"Path":   d.path,
	}, nil
}

func (d *Driver) volumePath(id string) string {
	return filepath.Join(d.path, volumesDir, id)
}

func (d *Driver) snapshotPath(id, volumeID string) string {
	return filepath.Join(d.path, snapshotsDir, volumeID, id)
}

func (d *Driver) CreateVolume(id string, size int64) error {
	volPath := d.volumePath(id)
	if _, err := os.Stat(volPath); err == nil {
		return fmt.Errorf("volume %s already exists at %s", id, volPath)
	}
	return os.MkdirAll(volPath, 0700)
}

func (d *Driver) DeleteVolume(id string) error {
	if err := os.RemoveAll(d.volumePath(id)); err != nil {
		return err
	}
	// drop the per-volume snapshot directory too
	return os.RemoveAll(filepath.Join(d.path, snapshotsDir, id))
}

// MountVolume ignores the requested mount point: a vfs volume is reachable
// at exactly one path.
func (d *Driver) MountVolume(id, mountPoint string) (string, error) {
	volPath := d.volumePath(id)
	if _, err := os.Stat(volPath); err != nil {
		return "", fmt.Errorf("volume %s has no backing directory: %w", id, err)
	}
	if mountPoint != "" && mountPoint != volPath {
		slog.Debug("vfs ignores requested mount point", "volume", id, "requested", mountPoint)
	}
	return volPath, nil
}

func (d *Driver) UmountVolume(id string) error {
	return nil
}

func (d *Driver) CreateSnapshot(id, volumeID string) error {
	src := d.volumePath(volumeID)
	dst := d.snapshotPath(id, volumeID)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("snapshot %s already exists", id)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}
	return copyTree(src, dst)
}

func (d *Driver) DeleteSnapshot(id, volumeID string) error {
	return os.RemoveAll(d.snapshotPath(id, volumeID))
}

func (d *Driver) SnapshotSize(id, volumeID string) (int64, error) {
	return treeSize(d.snapshotPath(id, volumeID))
}

// ExportSnapshot streams the snapshot directory as a gzipped tarball.
func (d *Driver) ExportSnapshot(ctx context.Context, id, volumeID string) (io.ReadCloser, error) {
	snapPath := d.snapshotPath(id, volumeID)
	if _, err := os.Stat(snapPath); err != nil {
		return nil, fmt.Errorf("snapshot %s is missing on disk: %w", id, err)
	}

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		tw := tar.NewWriter(gz)
		err := writeTree(ctx, tw, snapPath)
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// ImportVolume unpacks an exported stream into the volume's directory.
func (d *Driver) ImportVolume(ctx context.Context, id string, size int64, r io.Reader) error {
	volPath := d.volumePath(id)
	if _, err := os.Stat(volPath); err != nil {
		return fmt.Errorf("volume %s has no backing directory: %w", id, err)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("invalid backup stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("corrupt backup stream: %w", err)
		}
		target, err := sanitizePath(volPath, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return err
			}
		}
	}
}

func (d *Driver) Shutdown() error {
	return nil
}

func sanitizePath(base, name string) (string, error) {
	target := filepath.Join(base, name)
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("backup stream escapes volume directory: %q", name)
	}
	return target, nil
}

func writeTree(ctx context.Context, tw *tar.Writer, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := entry.Info()
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode())
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		}
	})
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
