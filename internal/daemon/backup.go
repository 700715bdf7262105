package daemon

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blockvault/blockvault/internal/api"
	"github.com/blockvault/blockvault/internal/objectstore"
	"github.com/blockvault/blockvault/internal/verror"
)

func (d *Daemon) handleBackupCreate(c *gin.Context) {
	var req api.BackupCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, verror.ConflictingArguments("invalid request body: %v", err))
		return
	}
	if req.DestURL == "" {
		abortError(c, verror.ConflictingArguments("destination URL is required"))
		return
	}
	snapUUID, err := d.registry.ResolveSnapshot(req.SnapshotID)
	if err != nil {
		abortError(c, err)
		return
	}
	snap, vol, err := d.registry.GetSnapshot(snapUUID)
	if err != nil {
		abortError(c, err)
		return
	}
	drv, err := d.driverFor(vol.DriverName)
	if err != nil {
		abortError(c, err)
		return
	}

	unlock := d.registry.LockVolume(vol.UUID)
	backup, err := objectstore.CreateBackup(c.Request.Context(), req.DestURL, vol, snap, drv)
	unlock()
	if err != nil {
		abortError(c, err)
		return
	}

	slog.Info("backup created", "backup", backup.URL, "snapshot", snapUUID, "volume", vol.UUID)
	c.JSON(http.StatusOK, api.BackupURLResponse{URL: backup.URL})
}

func (d *Daemon) handleBackupInspect(c *gin.Context) {
	backupURL := c.Query("backup")
	if backupURL == "" {
		abortError(c, verror.ConflictingArguments("backup URL is required"))
		return
	}
	backup, err := objectstore.InspectBackup(backupURL)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, backup)
}

func (d *Daemon) handleBackupList(c *gin.Context) {
	destURL := c.Query("dest")
	if destURL == "" {
		abortError(c, verror.ConflictingArguments("destination URL is required"))
		return
	}
	backups, err := objectstore.ListBackups(destURL, c.Query("volume"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, backups)
}

func (d *Daemon) handleBackupDelete(c *gin.Context) {
	backupURL := c.Query("backup")
	if backupURL == "" {
		abortError(c, verror.ConflictingArguments("backup URL is required"))
		return
	}
	if err := objectstore.DeleteBackup(backupURL); err != nil {
		abortError(c, err)
		return
	}
	slog.Info("backup deleted", "backup", backupURL)
	c.JSON(http.StatusOK, gin.H{})
}
