package devicemapper

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockvault/blockvault/internal/util"
	"github.com/blockvault/blockvault/internal/verror"
)

func TestVerifyOpts(t *testing.T) {
	dev, err := verifyOpts(map[string]string{
		OptDataDev:     "/dev/loop0",
		OptMetadataDev: "/dev/loop1",
	})
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop0", dev.DataDevice)
	assert.Equal(t, "/dev/loop1", dev.MetadataDevice)
	assert.Equal(t, filepath.Join(devMapperDir, defaultThinpoolName), dev.ThinpoolDevice)
	assert.Equal(t, int64(defaultBlockSize), dev.ThinpoolBlockSize)
}

func TestVerifyOptsCustomPoolAndBlockSize(t *testing.T) {
	dev, err := verifyOpts(map[string]string{
		OptDataDev:      "/dev/loop0",
		OptMetadataDev:  "/dev/loop1",
		OptThinpoolName: "custom-pool",
		OptBlockSize:    "4096",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(devMapperDir, "custom-pool"), dev.ThinpoolDevice)
	assert.Equal(t, int64(4096), dev.ThinpoolBlockSize)
}

func TestVerifyOptsMissingDevices(t *testing.T) {
	_, err := verifyOpts(map[string]string{OptDataDev: "/dev/loop0"})
	assert.Error(t, err)

	_, err = verifyOpts(map[string]string{OptMetadataDev: "/dev/loop1"})
	assert.Error(t, err)
}

func TestVerifyOptsBlockSizeBounds(t *testing.T) {
	base := map[string]string{
		OptDataDev:     "/dev/loop0",
		OptMetadataDev: "/dev/loop1",
	}
	for _, bad := range []string{"64", "100", "3000000", "banana"} {
		base[OptBlockSize] = bad
		_, err := verifyOpts(base)
		assert.Error(t, err, bad)
	}

	base[OptBlockSize] = "128"
	_, err := verifyOpts(base)
	assert.NoError(t, err)
}

func TestNewWithoutOptsIsStartupError(t *testing.T) {
	_, err := New(t.TempDir(), map[string]string{})
	require.ErrorIs(t, err, verror.ErrStartup)
}

func TestAllocDevIDPersists(t *testing.T) {
	root := t.TempDir()
	d := &Driver{root: root}
	d.Device = Device{
		DataDevice:     "/dev/loop0",
		MetadataDevice: "/dev/loop1",
		LastDevID:      1,
	}
	require.NoError(t, util.SaveConfig(root, cfgName, &d.Device))

	first, err := d.allocDevID()
	require.NoError(t, err)
	second, err := d.allocDevID()
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	// the counter survives a reload
	reloaded := &Device{}
	require.NoError(t, util.LoadConfig(root, cfgName, reloaded))
	assert.Equal(t, d.LastDevID, reloaded.LastDevID)
}

func TestVolumeConfigRoundTrip(t *testing.T) {
	root := t.TempDir()
	d := &Driver{root: root}

	vol := &Volume{
		UUID:  "vol-1",
		DevID: 7,
		Size:  1 << 30,
		Snapshots: map[string]Snapshot{
			"snap-1": {DevID: 8},
		},
	}
	require.NoError(t, d.saveVolume(vol))

	got, err := d.loadVolume("vol-1")
	require.NoError(t, err)
	assert.Equal(t, vol, got)

	_, err = d.loadVolume("missing")
	assert.Error(t, err)
}

func TestClearedMountPointSurvivesReload(t *testing.T) {
	root := t.TempDir()
	d := &Driver{root: root}

	vol := &Volume{UUID: "vol-1", DevID: 7, MountPoint: "/mnt/vol-1"}
	require.NoError(t, d.saveVolume(vol))

	vol.MountPoint = ""
	require.NoError(t, d.saveVolume(vol))

	got, err := d.loadVolume("vol-1")
	require.NoError(t, err)
	assert.Empty(t, got.MountPoint)
}
