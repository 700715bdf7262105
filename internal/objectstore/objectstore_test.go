package objectstore_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/driver"
	"github.com/blockvault/blockvault/internal/objectstore"
	"github.com/blockvault/blockvault/internal/registry"
	"github.com/blockvault/blockvault/internal/util"
	"github.com/blockvault/blockvault/internal/verror"

	_ "github.com/blockvault/blockvault/internal/drivers/vfs"
	_ "github.com/blockvault/blockvault/internal/objectstore/vfs"
)

func TestEncodeDecodeBackupURL(t *testing.T) {
	backupID := uuid.NewString()
	volumeID := uuid.NewString()
	url := objectstore.EncodeBackupURL("vfs:///tmp/store", backupID, volumeID)

	dest, backupUUID, volumeUUID, err := objectstore.DecodeBackupURL(url)
	require.NoError(t, err)
	assert.Equal(t, "vfs:///tmp/store", dest)
	assert.Equal(t, backupID, backupUUID)
	assert.Equal(t, volumeID, volumeUUID)
}

func TestDecodeBackupURLRejectsPlainDestination(t *testing.T) {
	_, _, _, err := objectstore.DecodeBackupURL("vfs:///tmp/store")
	assert.True(t, verror.IsNotFound(err))
}

func TestDecodeBackupURLRejectsMalformedIdentifiers(t *testing.T) {
	for _, backupURL := range []string{
		objectstore.EncodeBackupURL("vfs:///tmp/store", "a", "ab"),
		objectstore.EncodeBackupURL("vfs:///tmp/store", uuid.NewString(), "../escape"),
		objectstore.EncodeBackupURL("vfs:///tmp/store", "nope", uuid.NewString()),
	} {
		_, _, _, err := objectstore.DecodeBackupURL(backupURL)
		assert.True(t, verror.IsNotFound(err), "url %s", backupURL)

		_, err = objectstore.InspectBackup(backupURL)
		assert.True(t, verror.IsNotFound(err), "url %s", backupURL)
	}
}

// testEnv wires a vfs storage driver, a registry and a vfs destination.
type testEnv struct {
	drv     driver.Driver
	reg     *registry.Registry
	destURL string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	drv, err := driver.New("vfs", filepath.Join(root, "state"), map[string]string{
		"vfs.path": filepath.Join(root, "data"),
	})
	require.NoError(t, err)

	regDir := filepath.Join(root, "registry")
	require.NoError(t, os.MkdirAll(regDir, 0700))
	reg, err := registry.New(regDir)
	require.NoError(t, err)

	destDir := filepath.Join(root, "dest")
	require.NoError(t, os.MkdirAll(destDir, 0700))

	return &testEnv{drv: drv, reg: reg, destURL: "vfs://" + destDir}
}

// createVolume makes a volume with one file of the given content and a
// snapshot capturing it. Returns the volume, snapshot and content checksum.
func (e *testEnv) createVolume(t *testing.T, name, content string) (*registry.Volume, *registry.Snapshot, string) {
	t.Helper()

	vol := &registry.Volume{
		UUID:        e.reg.NewUUID(),
		Name:        name,
		DriverName:  e.drv.Name(),
		Size:        int64(len(content)),
		CreatedTime: util.Now(),
		Snapshots:   make(map[string]registry.Snapshot),
	}
	require.NoError(t, e.reg.CreateVolume(vol, func() error {
		return e.drv.CreateVolume(vol.UUID, vol.Size)
	}))

	mp, err := e.drv.MountVolume(vol.UUID, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(mp, "data.bin"), []byte(content), 0644))

	snap := &registry.Snapshot{
		UUID:        e.reg.NewUUID(),
		VolumeUUID:  vol.UUID,
		VolumeName:  vol.Name,
		CreatedTime: util.Now(),
	}
	require.NoError(t, e.reg.AddSnapshot(vol.UUID, snap, func() error {
		return e.drv.CreateSnapshot(snap.UUID, vol.UUID)
	}))

	return vol, snap, util.Checksum([]byte(content))
}

// restoreChecksum restores backupURL into a fresh volume and returns the
// checksum of its single file.
func (e *testEnv) restoreChecksum(t *testing.T, backupURL string) string {
	t.Helper()

	newUUID := e.reg.NewUUID()
	require.NoError(t, e.drv.CreateVolume(newUUID, 0))
	require.NoError(t, objectstore.RestoreBackup(context.Background(), backupURL, newUUID, e.drv))

	mp, err := e.drv.MountVolume(newUUID, "")
	require.NoError(t, err)
	sum, err := util.FileChecksum(filepath.Join(mp, "data.bin"))
	require.NoError(t, err)
	return sum
}

func TestBackupRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	vol, snap, sum := e.createVolume(t, "vol1", "backup me")

	backup, err := objectstore.CreateBackup(context.Background(), e.destURL, vol, snap, e.drv)
	require.NoError(t, err)

	assert.Equal(t, vol.UUID, backup.VolumeUUID)
	assert.Equal(t, "vol1", backup.VolumeName)
	assert.Equal(t, vol.Size, backup.VolumeSize)
	assert.Equal(t, snap.UUID, backup.SnapshotUUID)
	assert.NotEmpty(t, backup.CreatedTime)

	assert.Equal(t, sum, e.restoreChecksum(t, backup.URL))
}

func TestInspectBackup(t *testing.T) {
	e := newTestEnv(t)
	vol, snap, _ := e.createVolume(t, "vol1", "content")

	created, err := objectstore.CreateBackup(context.Background(), e.destURL, vol, snap, e.drv)
	require.NoError(t, err)

	inspected, err := objectstore.InspectBackup(created.URL)
	require.NoError(t, err)
	assert.Equal(t, created, inspected)

	_, err = objectstore.InspectBackup(objectstore.EncodeBackupURL(e.destURL, uuid.NewString(), vol.UUID))
	assert.True(t, verror.IsNotFound(err))
}

func TestDuplicateBackupsAreIndependent(t *testing.T) {
	e := newTestEnv(t)
	vol, snap, sum := e.createVolume(t, "vol1", "twice")
	ctx := context.Background()

	first, err := objectstore.CreateBackup(ctx, e.destURL, vol, snap, e.drv)
	require.NoError(t, err)
	second, err := objectstore.CreateBackup(ctx, e.destURL, vol, snap, e.drv)
	require.NoError(t, err)

	assert.NotEqual(t, first.URL, second.URL)

	// deleting one leaves the other fully restorable
	require.NoError(t, objectstore.DeleteBackup(first.URL))
	assert.Equal(t, sum, e.restoreChecksum(t, second.URL))

	_, err = objectstore.InspectBackup(first.URL)
	assert.True(t, verror.IsNotFound(err))
}

func TestRestoreAfterSourceDeletion(t *testing.T) {
	e := newTestEnv(t)
	vol, snap, sum := e.createVolume(t, "vol1", "survivor")

	backup, err := objectstore.CreateBackup(context.Background(), e.destURL, vol, snap, e.drv)
	require.NoError(t, err)

	// drop the snapshot, then the whole volume
	require.NoError(t, e.reg.DeleteSnapshot(snap.UUID, func(v *registry.Volume, s registry.Snapshot) error {
		return e.drv.DeleteSnapshot(s.UUID, v.UUID)
	}))
	require.NoError(t, e.reg.DeleteVolume(vol.UUID, func(v *registry.Volume) error {
		return e.drv.DeleteVolume(v.UUID)
	}))

	// provenance is still intact at the destination
	inspected, err := objectstore.InspectBackup(backup.URL)
	require.NoError(t, err)
	assert.Equal(t, "vol1", inspected.VolumeName)
	assert.Equal(t, vol.CreatedTime, inspected.VolumeCreatedAt)

	assert.Equal(t, sum, e.restoreChecksum(t, backup.URL))
}

func TestRestoreCrossDriver(t *testing.T) {
	e := newTestEnv(t)
	vol, snap, _ := e.createVolume(t, "vol1", "content")

	backup, err := objectstore.CreateBackup(context.Background(), e.destURL, vol, snap, e.drv)
	require.NoError(t, err)

	err = objectstore.RestoreBackup(context.Background(), backup.URL, e.reg.NewUUID(), &stubDriver{name: "devicemapper"})
	require.ErrorIs(t, err, verror.ErrCrossDriver)
}

func TestListBackups(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	vol1, snap1, _ := e.createVolume(t, "vol1", "one")
	vol2, snap2, _ := e.createVolume(t, "vol2", "two")

	b1, err := objectstore.CreateBackup(ctx, e.destURL, vol1, snap1, e.drv)
	require.NoError(t, err)
	b2, err := objectstore.CreateBackup(ctx, e.destURL, vol1, snap1, e.drv)
	require.NoError(t, err)
	b3, err := objectstore.CreateBackup(ctx, e.destURL, vol2, snap2, e.drv)
	require.NoError(t, err)

	all, err := objectstore.ListBackups(e.destURL, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, b := range []*objectstore.Backup{b1, b2, b3} {
		assert.Contains(t, all, b.URL)
	}

	filtered, err := objectstore.ListBackups(e.destURL, vol1.UUID)
	require.NoError(t, err)
	assert.Len(t, filtered, 2)
	assert.Contains(t, filtered, b1.URL)
	assert.Contains(t, filtered, b2.URL)
}

func TestListBackupsEmptyDestination(t *testing.T) {
	e := newTestEnv(t)

	backups, err := objectstore.ListBackups(e.destURL, "")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestListBackupsUnknownFilterVolume(t *testing.T) {
	e := newTestEnv(t)

	_, err := objectstore.ListBackups(e.destURL, e.reg.NewUUID())
	assert.True(t, verror.IsNotFound(err))
}

func TestListBackupsMissingDestination(t *testing.T) {
	_, err := objectstore.ListBackups("vfs:///no/such/dir", "")
	assert.True(t, verror.IsNotFound(err))
}

func TestDeleteBackupTwice(t *testing.T) {
	e := newTestEnv(t)
	vol, snap, _ := e.createVolume(t, "vol1", "content")

	backup, err := objectstore.CreateBackup(context.Background(), e.destURL, vol, snap, e.drv)
	require.NoError(t, err)

	require.NoError(t, objectstore.DeleteBackup(backup.URL))

	err = objectstore.DeleteBackup(backup.URL)
	assert.True(t, verror.IsNotFound(err))
}

func TestDeleteLastBackupDropsVolumeRecord(t *testing.T) {
	e := newTestEnv(t)
	vol, snap, _ := e.createVolume(t, "vol1", "content")

	backup, err := objectstore.CreateBackup(context.Background(), e.destURL, vol, snap, e.drv)
	require.NoError(t, err)
	require.NoError(t, objectstore.DeleteBackup(backup.URL))

	// the filter now reports the volume as never backed up
	_, err = objectstore.ListBackups(e.destURL, vol.UUID)
	assert.True(t, verror.IsNotFound(err))
}

// stubDriver only answers Name, for driver-mismatch checks.
type stubDriver struct {
	name string
}

func (s *stubDriver) Name() string                                { return s.name }
func (s *stubDriver) Info() (map[string]string, error)            { return nil, nil }
func (s *stubDriver) CreateVolume(string, int64) error            { return nil }
func (s *stubDriver) DeleteVolume(string) error                   { return nil }
func (s *stubDriver) MountVolume(string, string) (string, error)  { return "", nil }
func (s *stubDriver) UmountVolume(string) error                   { return nil }
func (s *stubDriver) CreateSnapshot(string, string) error         { return nil }
func (s *stubDriver) DeleteSnapshot(string, string) error         { return nil }
func (s *stubDriver) SnapshotSize(string, string) (int64, error)  { return 0, nil }
func (s *stubDriver) ImportVolume(context.Context, string, int64, io.Reader) error {
	return nil
}
func (s *stubDriver) ExportSnapshot(context.Context, string, string) (io.ReadCloser, error) {
	return nil, nil
}
func (s *stubDriver) Shutdown() error { return nil }
