// Package registry tracks volume and snapshot metadata. State is persisted
// as one JSON file per volume under the daemon root; snapshots live inside
// their owning volume's record and are cascade-deleted with it.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/blockvault/blockvault/internal/util"
	"github.com/blockvault/blockvault/internal/verror"
)

const (
	volumeCfgPrefix = "volume_"
	cfgSuffix       = ".json"
)

// Volume is the persisted record for a live volume.
type Volume struct {
	UUID        string
	Name        string
	DriverName  string
	Size        int64
	FileSystem  string
	MountPoint  string
	CreatedTime string
	Snapshots   map[string]Snapshot
}

// Snapshot is a point-in-time capture owned by a volume. VolumeName is
// denormalized at creation time so backup provenance survives renames of
// nothing (names are immutable) and volume deletion.
type Snapshot struct {
	UUID        string
	VolumeUUID  string
	VolumeName  string
	Name        string
	Size        int64
	CreatedTime string
}

// Registry is the in-memory index over the persisted volume records.
type Registry struct {
	root string

	mu       sync.RWMutex
	names    map[string]string // name -> uuid, volumes and snapshots
	snapVol  map[string]string // snapshot uuid -> volume uuid
	volumes  map[string]bool   // live volume uuids
	entities map[string]bool   // every known uuid, for prefix resolution

	locks *keyedLock
}

// New loads all volume records under root and rebuilds the indexes.
func New(root string) (*Registry, error) {
	r := &Registry{
		root:     root,
		names:    make(map[string]string),
		snapVol:  make(map[string]string),
		volumes:  make(map[string]bool),
		entities: make(map[string]bool),
		locks:    newKeyedLock(),
	}

	ids, err := util.ListConfigIDs(root, volumeCfgPrefix, cfgSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan registry root: %w", err)
	}
	for _, id := range ids {
		vol, err := r.loadVolume(id)
		if err != nil {
			return nil, err
		}
		r.indexVolume(vol)
	}
	slog.Info("registry loaded", "root", root, "volumes", len(r.volumes))
	return r, nil
}

// NewUUID returns a fresh volume or snapshot identifier.
func (r *Registry) NewUUID() string {
	return uuid.NewString()
}

func cfgName(volumeUUID string) string {
	return volumeCfgPrefix + volumeUUID + cfgSuffix
}

func (r *Registry) loadVolume(volumeUUID string) (*Volume, error) {
	vol := &Volume{}
	if err := util.LoadConfig(r.root, cfgName(volumeUUID), vol); err != nil {
		return nil, fmt.Errorf("failed to load volume %s: %w", volumeUUID, err)
	}
	return vol, nil
}

func (r *Registry) saveVolume(vol *Volume) error {
	return util.SaveConfig(r.root, cfgName(vol.UUID), vol)
}

// indexVolume registers vol and its snapshots. Caller holds r.mu or is
// single-threaded startup.
func (r *Registry) indexVolume(vol *Volume) {
	r.volumes[vol.UUID] = true
	r.entities[vol.UUID] = true
	if vol.Name != "" {
		r.names[vol.Name] = vol.UUID
	}
	for snapUUID, snap := range vol.Snapshots {
		r.entities[snapUUID] = true
		r.snapVol[snapUUID] = vol.UUID
		if snap.Name != "" {
			r.names[snap.Name] = snapUUID
		}
	}
}

// CreateVolume reserves vol's name and UUID, runs create (typically the
// driver's volume creation, which may block for a long time) without
// holding the registry lock, then persists the record. A failed create
// leaves no trace.
func (r *Registry) CreateVolume(vol *Volume, create func() error) error {
	r.mu.Lock()
	if vol.Name != "" {
		if existing, ok := r.names[vol.Name]; ok {
			r.mu.Unlock()
			return verror.DuplicateName("name %q already in use by %s", vol.Name, existing)
		}
		r.names[vol.Name] = vol.UUID
	}
	r.entities[vol.UUID] = true
	r.mu.Unlock()

	rollback := func() {
		r.mu.Lock()
		if vol.Name != "" {
			delete(r.names, vol.Name)
		}
		delete(r.entities, vol.UUID)
		r.mu.Unlock()
	}

	r.locks.Lock(vol.UUID)
	defer r.locks.Unlock(vol.UUID)

	if err := create(); err != nil {
		rollback()
		return err
	}
	if err := r.saveVolume(vol); err != nil {
		rollback()
		return err
	}

	r.mu.Lock()
	r.volumes[vol.UUID] = true
	r.mu.Unlock()
	return nil
}

// DeleteVolume removes the volume and all its snapshots. del runs under the
// volume's lock, after the mounted check, before the record disappears.
func (r *Registry) DeleteVolume(volumeUUID string, del func(vol *Volume) error) error {
	r.locks.Lock(volumeUUID)
	defer r.locks.Unlock(volumeUUID)

	vol, err := r.GetVolume(volumeUUID)
	if err != nil {
		return err
	}
	if vol.MountPoint != "" {
		return verror.InUse("volume %s is mounted at %s", volumeUUID, vol.MountPoint)
	}

	if err := del(vol); err != nil {
		return err
	}

	if err := util.RemoveConfig(r.root, cfgName(volumeUUID)); err != nil {
		return err
	}

	r.mu.Lock()
	if vol.Name != "" {
		delete(r.names, vol.Name)
	}
	for snapUUID, snap := range vol.Snapshots {
		if snap.Name != "" {
			delete(r.names, snap.Name)
		}
		delete(r.snapVol, snapUUID)
		delete(r.entities, snapUUID)
	}
	delete(r.volumes, volumeUUID)
	delete(r.entities, volumeUUID)
	r.mu.Unlock()
	return nil
}

// GetVolume returns the volume record for an exact UUID.
func (r *Registry) GetVolume(volumeUUID string) (*Volume, error) {
	r.mu.RLock()
	ok := r.volumes[volumeUUID]
	r.mu.RUnlock()
	if !ok {
		return nil, verror.NotFound("cannot find volume %s", volumeUUID)
	}
	return r.loadVolume(volumeUUID)
}

// ListVolumes returns every live volume keyed by UUID.
func (r *Registry) ListVolumes() (map[string]*Volume, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.volumes))
	for id := range r.volumes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	result := make(map[string]*Volume, len(ids))
	for _, id := range ids {
		vol, err := r.loadVolume(id)
		if err != nil {
			return nil, err
		}
		result[id] = vol
	}
	return result, nil
}

// SetMountPoint records the volume's mount state. Empty means unmounted.
func (r *Registry) SetMountPoint(volumeUUID, mountPoint string) error {
	r.locks.Lock(volumeUUID)
	defer r.locks.Unlock(volumeUUID)

	vol, err := r.GetVolume(volumeUUID)
	if err != nil {
		return err
	}
	vol.MountPoint = mountPoint
	return r.saveVolume(vol)
}

// MountVolume runs mount under the volume's lock and records the resulting
// mount point, so a concurrent DeleteVolume cannot slip between the mount
// and the record update.
func (r *Registry) MountVolume(volumeUUID string, mount func(vol *Volume) (string, error)) (string, error) {
	r.locks.Lock(volumeUUID)
	defer r.locks.Unlock(volumeUUID)

	vol, err := r.GetVolume(volumeUUID)
	if err != nil {
		return "", err
	}
	mountPoint, err := mount(vol)
	if err != nil {
		return "", err
	}
	vol.MountPoint = mountPoint
	if err := r.saveVolume(vol); err != nil {
		return "", err
	}
	return mountPoint, nil
}

// UmountVolume runs umount under the volume's lock and clears the recorded
// mount point.
func (r *Registry) UmountVolume(volumeUUID string, umount func(vol *Volume) error) error {
	r.locks.Lock(volumeUUID)
	defer r.locks.Unlock(volumeUUID)

	vol, err := r.GetVolume(volumeUUID)
	if err != nil {
		return err
	}
	if err := umount(vol); err != nil {
		return err
	}
	vol.MountPoint = ""
	return r.saveVolume(vol)
}

// AddSnapshot attaches a snapshot to its volume. create runs under the
// volume's lock after the snapshot name is reserved.
func (r *Registry) AddSnapshot(volumeUUID string, snap *Snapshot, create func() error) error {
	r.mu.Lock()
	if snap.Name != "" {
		if existing, ok := r.names[snap.Name]; ok {
			r.mu.Unlock()
			return verror.DuplicateName("name %q already in use by %s", snap.Name, existing)
		}
		r.names[snap.Name] = snap.UUID
	}
	r.entities[snap.UUID] = true
	r.mu.Unlock()

	rollback := func() {
		r.mu.Lock()
		if snap.Name != "" {
			delete(r.names, snap.Name)
		}
		delete(r.entities, snap.UUID)
		r.mu.Unlock()
	}

	r.locks.Lock(volumeUUID)
	defer r.locks.Unlock(volumeUUID)

	vol, err := r.GetVolume(volumeUUID)
	if err != nil {
		rollback()
		return err
	}

	if err := create(); err != nil {
		rollback()
		return err
	}

	if vol.Snapshots == nil {
		vol.Snapshots = make(map[string]Snapshot)
	}
	vol.Snapshots[snap.UUID] = *snap
	if err := r.saveVolume(vol); err != nil {
		rollback()
		return err
	}

	r.mu.Lock()
	r.snapVol[snap.UUID] = volumeUUID
	r.mu.Unlock()
	return nil
}

// GetSnapshot returns a snapshot and its owning volume by exact UUID.
func (r *Registry) GetSnapshot(snapshotUUID string) (*Snapshot, *Volume, error) {
	r.mu.RLock()
	volumeUUID, ok := r.snapVol[snapshotUUID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, verror.NotFound("cannot find snapshot %s", snapshotUUID)
	}
	vol, err := r.GetVolume(volumeUUID)
	if err != nil {
		return nil, nil, err
	}
	snap, ok := vol.Snapshots[snapshotUUID]
	if !ok {
		return nil, nil, verror.NotFound("cannot find snapshot %s in volume %s", snapshotUUID, volumeUUID)
	}
	return &snap, vol, nil
}

// DeleteSnapshot detaches the snapshot from its volume. del runs under the
// owning volume's lock.
func (r *Registry) DeleteSnapshot(snapshotUUID string, del func(vol *Volume, snap Snapshot) error) error {
	r.mu.RLock()
	volumeUUID, ok := r.snapVol[snapshotUUID]
	r.mu.RUnlock()
	if !ok {
		return verror.NotFound("cannot find snapshot %s", snapshotUUID)
	}

	r.locks.Lock(volumeUUID)
	defer r.locks.Unlock(volumeUUID)

	vol, err := r.GetVolume(volumeUUID)
	if err != nil {
		return err
	}
	snap, ok := vol.Snapshots[snapshotUUID]
	if !ok {
		return verror.NotFound("cannot find snapshot %s in volume %s", snapshotUUID, volumeUUID)
	}

	if err := del(vol, snap); err != nil {
		return err
	}

	delete(vol.Snapshots, snapshotUUID)
	if err := r.saveVolume(vol); err != nil {
		return err
	}

	r.mu.Lock()
	if snap.Name != "" {
		delete(r.names, snap.Name)
	}
	delete(r.snapVol, snapshotUUID)
	delete(r.entities, snapshotUUID)
	r.mu.Unlock()
	return nil
}

// LockVolume serializes an external operation (such as backup creation)
// against other mutations of the same volume.
func (r *Registry) LockVolume(volumeUUID string) func() {
	r.locks.Lock(volumeUUID)
	return func() { r.locks.Unlock(volumeUUID) }
}
