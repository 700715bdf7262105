package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/blockvault/blockvault/internal/driver"
	"github.com/blockvault/blockvault/internal/registry"
	"github.com/blockvault/blockvault/internal/util"
	"github.com/blockvault/blockvault/internal/verror"
)

// Backup is the provenance record stored at the destination. Every field
// is frozen at backup-creation time.
type Backup struct {
	URL               string
	Driver            string
	VolumeUUID        string
	VolumeName        string
	VolumeSize        int64
	VolumeCreatedAt   string
	SnapshotUUID      string
	SnapshotName      string
	SnapshotCreatedAt string
	CreatedTime       string
}

// CreateBackup exports the snapshot through its driver and uploads it to
// destURL. Backing up the same snapshot twice yields two independent
// backups with distinct URLs.
func CreateBackup(ctx context.Context, destURL string, vol *registry.Volume, snap *registry.Snapshot, drv driver.Driver) (*Backup, error) {
	osDriver, err := GetDriver(destURL)
	if err != nil {
		return nil, err
	}

	record, err := loadVolumeRecord(osDriver, vol.UUID)
	if verror.IsNotFound(err) {
		record = &VolumeRecord{
			UUID:        vol.UUID,
			Name:        vol.Name,
			Driver:      vol.DriverName,
			Size:        vol.Size,
			CreatedTime: vol.CreatedTime,
		}
		if err := saveVolumeRecord(osDriver, record); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else if record.Driver != vol.DriverName {
		return nil, fmt.Errorf("volume %s was backed up to %s with driver %q, not %q",
			vol.UUID, osDriver.URL(), record.Driver, vol.DriverName)
	}

	backupUUID := uuid.NewString()

	stream, err := drv.ExportSnapshot(ctx, snap.UUID, vol.UUID)
	if err != nil {
		return nil, err
	}
	uploadErr := osDriver.Write(blobPath(backupUUID, vol.UUID), stream)
	if cerr := stream.Close(); uploadErr == nil {
		uploadErr = cerr
	}
	if uploadErr != nil {
		osDriver.Remove(blobPath(backupUUID, vol.UUID))
		return nil, fmt.Errorf("failed to upload snapshot %s: %w", snap.UUID, uploadErr)
	}

	backup := &Backup{
		URL:               EncodeBackupURL(osDriver.URL(), backupUUID, vol.UUID),
		Driver:            vol.DriverName,
		VolumeUUID:        vol.UUID,
		VolumeName:        vol.Name,
		VolumeSize:        vol.Size,
		VolumeCreatedAt:   vol.CreatedTime,
		SnapshotUUID:      snap.UUID,
		SnapshotName:      snap.Name,
		SnapshotCreatedAt: snap.CreatedTime,
		CreatedTime:       util.Now(),
	}
	if err := saveObject(osDriver, backupConfigPath(backupUUID, vol.UUID), backup); err != nil {
		osDriver.Remove(blobPath(backupUUID, vol.UUID))
		return nil, err
	}

	slog.Info("backup created", "url", backup.URL, "snapshot", snap.UUID, "volume", vol.UUID)
	return backup, nil
}

// InspectBackup loads one backup record by its URL.
func InspectBackup(backupURL string) (*Backup, error) {
	destURL, backupUUID, volumeUUID, err := DecodeBackupURL(backupURL)
	if err != nil {
		return nil, err
	}
	osDriver, err := GetDriver(destURL)
	if err != nil {
		return nil, err
	}
	backup := &Backup{}
	if err := loadObject(osDriver, backupConfigPath(backupUUID, volumeUUID), backup); err != nil {
		return nil, err
	}
	return backup, nil
}

// DeleteBackup removes the backup record and its blob. Deleting one of two
// duplicate backups leaves the other restorable.
func DeleteBackup(backupURL string) error {
	destURL, backupUUID, volumeUUID, err := DecodeBackupURL(backupURL)
	if err != nil {
		return err
	}
	osDriver, err := GetDriver(destURL)
	if err != nil {
		return err
	}

	cfgPath := backupConfigPath(backupUUID, volumeUUID)
	if !osDriver.FileExists(cfgPath) {
		return verror.NotFound("cannot find backup %s at %s", backupUUID, destURL)
	}
	if err := osDriver.Remove(cfgPath); err != nil {
		return err
	}
	if err := osDriver.Remove(blobPath(backupUUID, volumeUUID)); err != nil {
		return err
	}

	// drop the volume record once its last backup is gone
	remaining, err := listBackupUUIDs(osDriver, volumeUUID)
	if err == nil && len(remaining) == 0 {
		osDriver.Remove(volumeConfigPath(volumeUUID))
	}

	slog.Info("backup deleted", "url", backupURL)
	return nil
}

// ListBackups returns every backup under destURL keyed by URL. With a
// volume filter, only that volume's backups are returned; a filter volume
// that was never backed up there is an error, while a destination with
// zero backups is an empty map.
func ListBackups(destURL, volumeUUID string) (map[string]*Backup, error) {
	osDriver, err := GetDriver(destURL)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*Backup)

	if volumeUUID != "" {
		if _, err := loadVolumeRecord(osDriver, volumeUUID); err != nil {
			return nil, err
		}
		if err := collectVolumeBackups(osDriver, volumeUUID, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	for _, volUUID := range listVolumeUUIDs(osDriver) {
		if err := collectVolumeBackups(osDriver, volUUID, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// LoadVolumeRecord fetches the recorded volume metadata for a backup URL,
// used to size a volume restored from it.
func LoadVolumeRecord(backupURL string) (*VolumeRecord, error) {
	destURL, _, volumeUUID, err := DecodeBackupURL(backupURL)
	if err != nil {
		return nil, err
	}
	osDriver, err := GetDriver(destURL)
	if err != nil {
		return nil, err
	}
	return loadVolumeRecord(osDriver, volumeUUID)
}

// RestoreBackup fills the freshly created volume newVolumeUUID from the
// backup's blob. The requested driver must be the one recorded in the
// backup.
func RestoreBackup(ctx context.Context, backupURL, newVolumeUUID string, drv driver.Driver) error {
	destURL, backupUUID, volumeUUID, err := DecodeBackupURL(backupURL)
	if err != nil {
		return err
	}
	osDriver, err := GetDriver(destURL)
	if err != nil {
		return err
	}

	backup := &Backup{}
	if err := loadObject(osDriver, backupConfigPath(backupUUID, volumeUUID), backup); err != nil {
		return err
	}
	if backup.Driver != drv.Name() {
		return verror.CrossDriver(drv.Name(), backup.Driver)
	}

	blob, err := osDriver.Read(blobPath(backupUUID, volumeUUID))
	if err != nil {
		return err
	}
	defer blob.Close()

	if err := drv.ImportVolume(ctx, newVolumeUUID, backup.VolumeSize, blob); err != nil {
		return fmt.Errorf("failed to restore backup %s: %w", backupURL, err)
	}
	slog.Info("backup restored", "url", backupURL, "volume", newVolumeUUID)
	return nil
}

func collectVolumeBackups(osDriver Driver, volumeUUID string, result map[string]*Backup) error {
	for _, backupUUID := range listBackupUUIDsOrNone(osDriver, volumeUUID) {
		backup := &Backup{}
		if err := loadObject(osDriver, backupConfigPath(backupUUID, volumeUUID), backup); err != nil {
			return err
		}
		result[backup.URL] = backup
	}
	return nil
}

func listBackupUUIDs(osDriver Driver, volumeUUID string) ([]string, error) {
	names, err := osDriver.List(backupsPath(volumeUUID))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, name := range names {
		if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, cfgSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), cfgSuffix))
	}
	return ids, nil
}

func listBackupUUIDsOrNone(osDriver Driver, volumeUUID string) []string {
	ids, err := listBackupUUIDs(osDriver, volumeUUID)
	if err != nil {
		return nil
	}
	return ids
}

// listVolumeUUIDs walks the two fan-out layers under volumes/.
func listVolumeUUIDs(osDriver Driver) []string {
	var uuids []string
	base := path.Join(objectstoreBase, volumeDirectory)
	layer1, err := osDriver.List(base)
	if err != nil {
		return nil
	}
	for _, l1 := range layer1 {
		layer2, err := osDriver.List(path.Join(base, l1))
		if err != nil {
			continue
		}
		for _, l2 := range layer2 {
			names, err := osDriver.List(path.Join(base, l1, l2))
			if err != nil {
				continue
			}
			uuids = append(uuids, names...)
		}
	}
	return uuids
}
