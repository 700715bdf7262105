// Package devicemapper implements the thin-provisioning storage backend on
// top of a device-mapper thin pool. The pool is built from a data device
// and a metadata device fixed at daemon start and is a process-wide
// singleton; every operation that touches the pool is serialized by the
// driver mutex. Volumes and snapshots are thin devices addressed by a
// monotonically allocated device ID.
package devicemapper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/blockvault/blockvault/internal/driver"
	"github.com/blockvault/blockvault/internal/util"
	"github.com/blockvault/blockvault/internal/verror"
)

const (
	// DriverName selects this backend.
	DriverName = "devicemapper"

	// Driver-opts fixed at daemon start.
	OptDataDev      = "dm.datadev"
	OptMetadataDev  = "dm.metadatadev"
	OptThinpoolName = "dm.thinpoolname"
	OptBlockSize    = "dm.blocksize"

	defaultThinpoolName = "blockvault-pool"
	defaultBlockSize    = 2048 // sectors, 1MiB

	devMapperDir = "/dev/mapper"
	sectorSize   = 512

	blockSizeMin        = 128
	blockSizeMax        = 2097152
	blockSizeMultiplier = 128

	cfgName         = "driver_devicemapper.json"
	volumeCfgPrefix = "dm_volume_"
	volumeCfgSuffix = ".json"
)

func init() {
	driver.Register(DriverName, New)
}

// Device is the persisted pool configuration.
type Device struct {
	DataDevice        string
	MetadataDevice    string
	ThinpoolDevice    string
	ThinpoolSize      int64 // sectors
	ThinpoolBlockSize int64 // sectors
	LastDevID         int
}

// Snapshot is a thin snapshot device belonging to a volume.
type Snapshot struct {
	DevID int
}

// Volume is the persisted per-volume driver state.
type Volume struct {
	UUID       string
	DevID      int
	Size       int64
	MountPoint string
	Snapshots  map[string]Snapshot
}

// Driver implements driver.Driver on a device-mapper thin pool.
type Driver struct {
	mu        sync.Mutex
	root      string
	mountsDir string
	Device
}

// New loads an existing pool configuration from root, or builds the pool
// from driver-opts on first start. Missing pool devices are fatal.
func New(root string, opts map[string]string) (driver.Driver, error) {
	d := &Driver{
		root:      root,
		mountsDir: opts[driver.OptMountsDir],
	}

	if util.ConfigExists(root, cfgName) {
		if err := util.LoadConfig(root, cfgName, &d.Device); err != nil {
			return nil, err
		}
		if err := d.activatePool(); err != nil {
			return nil, fmt.Errorf("failed to reactivate thin pool: %w: %w", err, verror.ErrStartup)
		}
		return d, nil
	}

	dev, err := verifyOpts(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, verror.ErrStartup)
	}

	size, err := deviceSizeSectors(dev.DataDevice)
	if err != nil {
		return nil, fmt.Errorf("cannot size data device: %w: %w", err, verror.ErrStartup)
	}
	dev.ThinpoolSize = size
	dev.LastDevID = 1
	d.Device = *dev

	if err := d.createPool(); err != nil {
		return nil, fmt.Errorf("failed to create thin pool: %w: %w", err, verror.ErrStartup)
	}
	if err := util.SaveConfig(root, cfgName, &d.Device); err != nil {
		return nil, err
	}
	slog.Info("thin pool initialized", "pool", d.ThinpoolDevice, "size_sectors", d.ThinpoolSize)
	return d, nil
}

func verifyOpts(opts map[string]string) (*Device, error) {
	dev := &Device{
		DataDevice:     opts[OptDataDev],
		MetadataDevice: opts[OptMetadataDev],
	}
	if dev.DataDevice == "" || dev.MetadataDevice == "" {
		return nil, fmt.Errorf("devicemapper driver requires %q and %q options", OptDataDev, OptMetadataDev)
	}

	poolName := opts[OptThinpoolName]
	if poolName == "" {
		poolName = defaultThinpoolName
	}
	dev.ThinpoolDevice = filepath.Join(devMapperDir, poolName)

	blockSize := int64(defaultBlockSize)
	if s := opts[OptBlockSize]; s != "" {
		var err error
		if blockSize, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid %q: %w", OptBlockSize, err)
		}
	}
	if blockSize < blockSizeMin || blockSize > blockSizeMax || blockSize%blockSizeMultiplier != 0 {
		return nil, fmt.Errorf("block size must be between %v and %v sectors and a multiple of %v",
			blockSizeMin, blockSizeMax, blockSizeMultiplier)
	}
	dev.ThinpoolBlockSize = blockSize
	return dev, nil
}

func deviceSizeSectors(dev string) (int64, error) {
	out, err := util.Execute("blockdev", "--getsize64", dev)
	if err != nil {
		return 0, err
	}
	bytes, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, err
	}
	return bytes / sectorSize, nil
}

func (d *Driver) poolName() string {
	return filepath.Base(d.ThinpoolDevice)
}

func (d *Driver) createPool() error {
	table := fmt.Sprintf("0 %d thin-pool %s %s %d 0",
		d.ThinpoolSize, d.MetadataDevice, d.DataDevice, d.ThinpoolBlockSize)
	_, err := util.Execute("dmsetup", "create", d.poolName(), "--table", table)
	return err
}

// activatePool rebuilds the pool and every registered volume device after a
// daemon restart.
func (d *Driver) activatePool() error {
	if _, err := os.Stat(d.ThinpoolDevice); err != nil {
		if err := d.createPool(); err != nil {
			return err
		}
	}
	ids, err := util.ListConfigIDs(d.root, volumeCfgPrefix, volumeCfgSuffix)
	if err != nil {
		return err
	}
	for _, id := range ids {
		vol, err := d.loadVolume(id)
		if err != nil {
			return err
		}
		if _, err := os.Stat(d.volumeDevice(id)); err == nil {
			continue
		}
		if err := d.activateDevice(id, vol.DevID, vol.Size, false); err != nil {
			return err
		}
		slog.Debug("reactivated volume device", "volume", id)
	}
	return nil
}

func (d *Driver) loadVolume(id string) (*Volume, error) {
	vol := &Volume{}
	if err := util.LoadConfig(d.root, volumeCfgPrefix+id+volumeCfgSuffix, vol); err != nil {
		return nil, fmt.Errorf("cannot find volume %s in driver state: %w", id, err)
	}
	return vol, nil
}

func (d *Driver) saveVolume(vol *Volume) error {
	return util.SaveConfig(d.root, volumeCfgPrefix+vol.UUID+volumeCfgSuffix, vol)
}

func (d *Driver) volumeDevice(id string) string {
	return filepath.Join(devMapperDir, id)
}

func (d *Driver) allocDevID() (int, error) {
	d.LastDevID++
	if err := util.SaveConfig(d.root, cfgName, &d.Device); err != nil {
		return 0, err
	}
	return d.LastDevID, nil
}

func (d *Driver) activateDevice(name string, devID int, size int64, readonly bool) error {
	args := []string{"create", name}
	if readonly {
		args = append(args, "--readonly")
	}
	table := fmt.Sprintf("0 %d thin %s %d", size/sectorSize, d.ThinpoolDevice, devID)
	args = append(args, "--table", table)
	_, err := util.Execute("dmsetup", args...)
	return err
}

func (d *Driver) deactivateDevice(name string) error {
	_, err := util.Execute("dmsetup", "remove", name)
	return err
}

func (d *Driver) poolMessage(msg string) error {
	_, err := util.Execute("dmsetup", "message", d.ThinpoolDevice, "0", msg)
	return err
}

func (d *Driver) Name() string {
	return DriverName
}

func (d *Driver) Info() (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]string{
		"Driver":            DriverName,
		"Root":              d.root,
		"DataDevice":        d.DataDevice,
		"MetadataDevice":    d.MetadataDevice,
		"ThinpoolDevice":    d.ThinpoolDevice,
		"ThinpoolSize":      strconv.FormatInt(d.ThinpoolSize, 10),
		"ThinpoolBlockSize": strconv.FormatInt(d.ThinpoolBlockSize, 10),
	}, nil
}

func (d *Driver) CreateVolume(id string, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if size%(d.ThinpoolBlockSize*sectorSize) != 0 {
		return fmt.Errorf("size %d must be a multiple of the pool block size (%d bytes)",
			size, d.ThinpoolBlockSize*sectorSize)
	}
	if util.ConfigExists(d.root, volumeCfgPrefix+id+volumeCfgSuffix) {
		return fmt.Errorf("volume %s already exists in driver state", id)
	}

	devID, err := d.allocDevID()
	if err != nil {
		return err
	}
	if err := d.poolMessage(fmt.Sprintf("create_thin %d", devID)); err != nil {
		return err
	}
	if err := d.activateDevice(id, devID, size, false); err != nil {
		d.poolMessage(fmt.Sprintf("delete %d", devID))
		return err
	}
	if _, err := util.Execute("mkfs.ext4", "-q", d.volumeDevice(id)); err != nil {
		d.deactivateDevice(id)
		d.poolMessage(fmt.Sprintf("delete %d", devID))
		return fmt.Errorf("failed to format volume: %w", err)
	}

	vol := &Volume{
		UUID:      id,
		DevID:     devID,
		Size:      size,
		Snapshots: make(map[string]Snapshot),
	}
	return d.saveVolume(vol)
}

func (d *Driver) DeleteVolume(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.loadVolume(id)
	if err != nil {
		return err
	}
	if vol.MountPoint != "" {
		return verror.InUse("volume %s is mounted at %s", id, vol.MountPoint)
	}
	if len(vol.Snapshots) != 0 {
		return fmt.Errorf("volume %s still has %d snapshots in driver state", id, len(vol.Snapshots))
	}

	if err := d.deactivateDevice(id); err != nil {
		return err
	}
	if err := d.poolMessage(fmt.Sprintf("delete %d", vol.DevID)); err != nil {
		return err
	}
	return util.RemoveConfig(d.root, volumeCfgPrefix+id+volumeCfgSuffix)
}

func (d *Driver) MountVolume(id, mountPoint string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.loadVolume(id)
	if err != nil {
		return "", err
	}
	if vol.MountPoint != "" {
		return vol.MountPoint, nil
	}

	if mountPoint == "" {
		mountPoint = filepath.Join(d.mountsDir, id)
	}
	if err := os.MkdirAll(mountPoint, 0700); err != nil {
		return "", err
	}
	if _, err := util.Execute("mount", d.volumeDevice(id), mountPoint); err != nil {
		return "", err
	}

	vol.MountPoint = mountPoint
	if err := d.saveVolume(vol); err != nil {
		return "", err
	}
	return mountPoint, nil
}

func (d *Driver) UmountVolume(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.loadVolume(id)
	if err != nil {
		return err
	}
	if vol.MountPoint == "" {
		return nil
	}
	if _, err := util.Execute("umount", vol.MountPoint); err != nil {
		return err
	}
	vol.MountPoint = ""
	return d.saveVolume(vol)
}

// CreateSnapshot suspends the origin around the pool message so the
// snapshot is crash-consistent.
func (d *Driver) CreateSnapshot(id, volumeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.loadVolume(volumeID)
	if err != nil {
		return err
	}
	devID, err := d.allocDevID()
	if err != nil {
		return err
	}

	if _, err := util.Execute("dmsetup", "suspend", d.volumeDevice(volumeID)); err != nil {
		return err
	}
	msgErr := d.poolMessage(fmt.Sprintf("create_snap %d %d", devID, vol.DevID))
	if _, err := util.Execute("dmsetup", "resume", d.volumeDevice(volumeID)); err != nil {
		return err
	}
	if msgErr != nil {
		return msgErr
	}

	vol.Snapshots[id] = Snapshot{DevID: devID}
	return d.saveVolume(vol)
}

func (d *Driver) DeleteSnapshot(id, volumeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.loadVolume(volumeID)
	if err != nil {
		return err
	}
	snap, ok := vol.Snapshots[id]
	if !ok {
		return fmt.Errorf("cannot find snapshot %s of volume %s in driver state", id, volumeID)
	}
	if err := d.poolMessage(fmt.Sprintf("delete %d", snap.DevID)); err != nil {
		return err
	}
	delete(vol.Snapshots, id)
	return d.saveVolume(vol)
}

func (d *Driver) SnapshotSize(id, volumeID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.loadVolume(volumeID)
	if err != nil {
		return 0, err
	}
	if _, ok := vol.Snapshots[id]; !ok {
		return 0, fmt.Errorf("cannot find snapshot %s of volume %s in driver state", id, volumeID)
	}
	return vol.Size, nil
}

type snapshotStream struct {
	pr         *io.PipeReader
	dev        *os.File
	deactivate func() error
}

func (s *snapshotStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *snapshotStream) Close() error {
	err := s.pr.Close()
	if cerr := s.dev.Close(); err == nil {
		err = cerr
	}
	if cerr := s.deactivate(); err == nil {
		err = cerr
	}
	return err
}

// ExportSnapshot activates the snapshot as a read-only thin device and
// streams a gzip of the raw block image. Closing the stream tears the
// device down again.
func (d *Driver) ExportSnapshot(ctx context.Context, id, volumeID string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol, err := d.loadVolume(volumeID)
	if err != nil {
		return nil, err
	}
	snap, ok := vol.Snapshots[id]
	if !ok {
		return nil, fmt.Errorf("cannot find snapshot %s of volume %s in driver state", id, volumeID)
	}

	devName := "export-" + id
	if err := d.activateDevice(devName, snap.DevID, vol.Size, true); err != nil {
		return nil, err
	}
	dev, err := os.Open(d.volumeDevice(devName))
	if err != nil {
		d.deactivateDevice(devName)
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		_, err := io.Copy(gz, dev)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	return &snapshotStream{
		pr:  pr,
		dev: dev,
		deactivate: func() error {
			d.mu.Lock()
			defer d.mu.Unlock()
			return d.deactivateDevice(devName)
		},
	}, nil
}

// ImportVolume writes an exported image back onto the volume's thin device.
func (d *Driver) ImportVolume(ctx context.Context, id string, size int64, r io.Reader) error {
	d.mu.Lock()
	vol, err := d.loadVolume(id)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if vol.Size != size {
		return fmt.Errorf("volume %s size %d does not match backup size %d", id, vol.Size, size)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("invalid backup stream: %w", err)
	}
	defer gz.Close()

	dev, err := os.OpenFile(d.volumeDevice(id), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer dev.Close()

	if _, err := io.Copy(dev, contextReader{ctx, gz}); err != nil {
		return err
	}
	return dev.Sync()
}

// Shutdown unmounts everything and deactivates the volume devices and the
// pool.
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids, err := util.ListConfigIDs(d.root, volumeCfgPrefix, volumeCfgSuffix)
	if err != nil {
		return err
	}
	for _, id := range ids {
		vol, err := d.loadVolume(id)
		if err != nil {
			return err
		}
		if vol.MountPoint != "" {
			if _, err := util.Execute("umount", vol.MountPoint); err != nil {
				return err
			}
			// the next MountVolume must see an unmounted volume
			vol.MountPoint = ""
			if err := d.saveVolume(vol); err != nil {
				return err
			}
		}
		if err := d.deactivateDevice(id); err != nil {
			return err
		}
	}
	return d.deactivateDevice(d.poolName())
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
