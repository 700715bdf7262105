package objectstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"

	"github.com/blockvault/blockvault/internal/verror"
)

const (
	objectstoreBase = "blockvault-objectstore"
	volumeDirectory = "volumes"
	volumeConfig    = "volume.cfg"
	backupDirectory = "backups"
	backupPrefix    = "backup_"
	blobDirectory   = "blobs"
	blobPrefix      = "blob_"
	cfgSuffix       = ".cfg"
	blobSuffix      = ".img.gz"

	// volume directories fan out by UUID prefix to keep listings small
	separateLayer1 = 2
	separateLayer2 = 4
)

// VolumeRecord is the volume metadata kept at the destination so a backup
// stays restorable after the live volume is gone.
type VolumeRecord struct {
	UUID        string
	Name        string
	Driver      string
	Size        int64
	CreatedTime string
}

func volumePath(volumeUUID string) string {
	layer1 := volumeUUID[0:separateLayer1]
	layer2 := volumeUUID[separateLayer1:separateLayer2]
	return path.Join(objectstoreBase, volumeDirectory, layer1, layer2, volumeUUID)
}

func volumeConfigPath(volumeUUID string) string {
	return path.Join(volumePath(volumeUUID), volumeConfig)
}

func backupsPath(volumeUUID string) string {
	return path.Join(volumePath(volumeUUID), backupDirectory)
}

func backupConfigPath(backupUUID, volumeUUID string) string {
	return path.Join(backupsPath(volumeUUID), backupPrefix+backupUUID+cfgSuffix)
}

func blobPath(backupUUID, volumeUUID string) string {
	return path.Join(volumePath(volumeUUID), blobDirectory, blobPrefix+backupUUID+blobSuffix)
}

func saveObject(driver Driver, filePath string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := driver.Write(filePath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", filePath, driver.URL(), err)
	}
	return nil
}

func loadObject(driver Driver, filePath string, v any) error {
	if !driver.FileExists(filePath) {
		return verror.NotFound("cannot find %s at %s", filePath, driver.URL())
	}
	rc, err := driver.Read(filePath)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("corrupt object %s at %s: %w", filePath, driver.URL(), err)
	}
	return nil
}

func loadVolumeRecord(driver Driver, volumeUUID string) (*VolumeRecord, error) {
	record := &VolumeRecord{}
	if err := loadObject(driver, volumeConfigPath(volumeUUID), record); err != nil {
		return nil, err
	}
	return record, nil
}

func saveVolumeRecord(driver Driver, record *VolumeRecord) error {
	return saveObject(driver, volumeConfigPath(record.UUID), record)
}
