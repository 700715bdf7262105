package daemon

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blockvault/blockvault/internal/api"
	"github.com/blockvault/blockvault/internal/registry"
	"github.com/blockvault/blockvault/internal/util"
	"github.com/blockvault/blockvault/internal/verror"
)

func (d *Daemon) handleSnapshotCreate(c *gin.Context) {
	var req api.SnapshotCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, verror.ConflictingArguments("invalid request body: %v", err))
		return
	}
	volumeUUID, err := d.registry.ResolveVolume(req.VolumeID)
	if err != nil {
		abortError(c, err)
		return
	}
	vol, err := d.registry.GetVolume(volumeUUID)
	if err != nil {
		abortError(c, err)
		return
	}
	drv, err := d.driverFor(vol.DriverName)
	if err != nil {
		abortError(c, err)
		return
	}

	snap := &registry.Snapshot{
		UUID:        d.registry.NewUUID(),
		VolumeUUID:  volumeUUID,
		VolumeName:  vol.Name,
		Name:        req.Name,
		CreatedTime: util.Now(),
	}
	err = d.registry.AddSnapshot(volumeUUID, snap, func() error {
		if err := drv.CreateSnapshot(snap.UUID, volumeUUID); err != nil {
			return err
		}
		size, err := drv.SnapshotSize(snap.UUID, volumeUUID)
		if err != nil {
			return err
		}
		snap.Size = size
		return nil
	})
	if err != nil {
		abortError(c, err)
		return
	}

	slog.Info("snapshot created", "snapshot", snap.UUID, "volume", volumeUUID, "name", snap.Name)
	c.JSON(http.StatusOK, snapshotResponse(snap))
}

func (d *Daemon) handleSnapshotInspect(c *gin.Context) {
	uuid, err := d.registry.ResolveSnapshot(c.Query("snapshot"))
	if err != nil {
		abortError(c, err)
		return
	}
	snap, _, err := d.registry.GetSnapshot(uuid)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshotResponse(snap))
}

func (d *Daemon) handleSnapshotDelete(c *gin.Context) {
	uuid, err := d.registry.ResolveSnapshot(c.Query("snapshot"))
	if err != nil {
		abortError(c, err)
		return
	}
	err = d.registry.DeleteSnapshot(uuid, func(vol *registry.Volume, snap registry.Snapshot) error {
		drv, err := d.driverFor(vol.DriverName)
		if err != nil {
			return err
		}
		return drv.DeleteSnapshot(snap.UUID, vol.UUID)
	})
	if err != nil {
		abortError(c, err)
		return
	}
	slog.Info("snapshot deleted", "snapshot", uuid)
	c.JSON(http.StatusOK, gin.H{})
}
