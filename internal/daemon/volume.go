package daemon

import (
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/blockvault/blockvault/internal/api"
	"github.com/blockvault/blockvault/internal/objectstore"
	"github.com/blockvault/blockvault/internal/registry"
	"github.com/blockvault/blockvault/internal/util"
	"github.com/blockvault/blockvault/internal/verror"
)

func volumeResponse(vol *registry.Volume) api.VolumeResponse {
	resp := api.VolumeResponse{
		UUID:        vol.UUID,
		Name:        vol.Name,
		Driver:      vol.DriverName,
		Size:        vol.Size,
		MountPoint:  vol.MountPoint,
		CreatedTime: vol.CreatedTime,
	}
	if len(vol.Snapshots) > 0 {
		resp.Snapshots = make(map[string]api.SnapshotResponse, len(vol.Snapshots))
		for uuid, snap := range vol.Snapshots {
			resp.Snapshots[uuid] = snapshotResponse(&snap)
		}
	}
	return resp
}

func snapshotResponse(snap *registry.Snapshot) api.SnapshotResponse {
	return api.SnapshotResponse{
		UUID:        snap.UUID,
		VolumeUUID:  snap.VolumeUUID,
		VolumeName:  snap.VolumeName,
		Name:        snap.Name,
		CreatedTime: snap.CreatedTime,
	}
}

// handleInfo reports the daemon's General section plus one section per
// loaded driver. The client's readiness poll hits this route.
func (d *Daemon) handleInfo(c *gin.Context) {
	info := api.InfoResponse{
		"General": {
			"Root":          d.config.Root,
			"MountsDir":     d.config.MountsDir,
			"DefaultDriver": d.config.DefaultDriver,
			"DriverList":    strings.Join(d.config.Drivers, ","),
		},
	}
	for name, drv := range d.drivers {
		section, err := drv.Info()
		if err != nil {
			abortError(c, err)
			return
		}
		info[name] = section
	}
	c.JSON(http.StatusOK, info)
}

// handleUUID resolves a name or short prefix to a full UUID.
func (d *Daemon) handleUUID(c *gin.Context) {
	id := c.Query("identifier")
	if id == "" {
		abortError(c, verror.ConflictingArguments("identifier is required"))
		return
	}
	uuid, err := d.registry.ResolveVolume(id)
	if verror.IsNotFound(err) {
		uuid, err = d.registry.ResolveSnapshot(id)
	}
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"UUID": uuid})
}

func (d *Daemon) handleVolumeCreate(c *gin.Context) {
	var req api.VolumeCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, verror.ConflictingArguments("invalid request body: %v", err))
		return
	}
	vol, err := d.createVolume(c, &req)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, volumeResponse(vol))
}

func (d *Daemon) createVolume(c *gin.Context, req *api.VolumeCreateRequest) (*registry.Volume, error) {
	if req.Size != "" && req.BackupURL != "" {
		return nil, verror.ConflictingArguments("size and backup cannot both be set")
	}

	driverName := req.Driver
	if driverName == "" {
		driverName = d.config.DefaultDriver
	}
	drv, err := d.driverFor(driverName)
	if err != nil {
		return nil, err
	}

	var size int64
	switch {
	case req.BackupURL != "":
		record, err := objectstore.LoadVolumeRecord(req.BackupURL)
		if err != nil {
			return nil, err
		}
		if record.Driver != driverName {
			return nil, verror.CrossDriver(driverName, record.Driver)
		}
		size = record.Size
	case req.Size != "":
		if size, err = util.ParseSize(req.Size); err != nil {
			return nil, verror.ConflictingArguments("invalid size %q: %v", req.Size, err)
		}
	default:
		if size, err = util.ParseSize(d.config.DefaultVolumeSize); err != nil {
			return nil, err
		}
	}

	vol := &registry.Volume{
		UUID:        d.registry.NewUUID(),
		Name:        req.Name,
		DriverName:  driverName,
		Size:        size,
		FileSystem:  "ext4",
		CreatedTime: util.Now(),
		Snapshots:   make(map[string]registry.Snapshot),
	}

	err = d.registry.CreateVolume(vol, func() error {
		if err := drv.CreateVolume(vol.UUID, size); err != nil {
			return err
		}
		if req.BackupURL == "" {
			return nil
		}
		if err := objectstore.RestoreBackup(c.Request.Context(), req.BackupURL, vol.UUID, drv); err != nil {
			if delErr := drv.DeleteVolume(vol.UUID); delErr != nil {
				slog.Warn("failed to clean up volume after restore failure", "volume", vol.UUID, "error", delErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("volume created", "volume", vol.UUID, "name", vol.Name, "driver", driverName, "size", size)
	return vol, nil
}

func (d *Daemon) handleVolumeDelete(c *gin.Context) {
	uuid, err := d.registry.ResolveVolume(c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	err = d.registry.DeleteVolume(uuid, func(vol *registry.Volume) error {
		drv, err := d.driverFor(vol.DriverName)
		if err != nil {
			return err
		}
		for snapUUID := range vol.Snapshots {
			if err := drv.DeleteSnapshot(snapUUID, vol.UUID); err != nil {
				return err
			}
		}
		return drv.DeleteVolume(vol.UUID)
	})
	if err != nil {
		abortError(c, err)
		return
	}
	slog.Info("volume deleted", "volume", uuid)
	c.JSON(http.StatusOK, gin.H{})
}

func (d *Daemon) handleVolumeInspect(c *gin.Context) {
	uuid, err := d.registry.ResolveVolume(c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	vol, err := d.registry.GetVolume(uuid)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, volumeResponse(vol))
}

func (d *Daemon) handleVolumeList(c *gin.Context) {
	volumes, err := d.registry.ListVolumes()
	if err != nil {
		abortError(c, err)
		return
	}
	resp := make(map[string]api.VolumeResponse, len(volumes))
	for uuid, vol := range volumes {
		resp[uuid] = volumeResponse(vol)
	}
	c.JSON(http.StatusOK, resp)
}

func (d *Daemon) handleVolumeMount(c *gin.Context) {
	var req api.VolumeMountRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		abortError(c, verror.ConflictingArguments("invalid request body: %v", err))
		return
	}
	uuid, err := d.registry.ResolveVolume(c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	mountPoint, err := d.mountVolume(uuid, req.MountPoint)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.MountResponse{MountPoint: mountPoint})
}

func (d *Daemon) mountVolume(uuid, requested string) (string, error) {
	mountPoint, err := d.registry.MountVolume(uuid, func(vol *registry.Volume) (string, error) {
		drv, err := d.driverFor(vol.DriverName)
		if err != nil {
			return "", err
		}
		target := requested
		if target == "" {
			target = filepath.Join(d.config.MountsDir, uuid)
		}
		return drv.MountVolume(uuid, target)
	})
	if err != nil {
		return "", err
	}
	slog.Info("volume mounted", "volume", uuid, "mountpoint", mountPoint)
	return mountPoint, nil
}

func (d *Daemon) handleVolumeUmount(c *gin.Context) {
	uuid, err := d.registry.ResolveVolume(c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	if err := d.umountVolume(uuid); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (d *Daemon) umountVolume(uuid string) error {
	err := d.registry.UmountVolume(uuid, func(vol *registry.Volume) error {
		drv, err := d.driverFor(vol.DriverName)
		if err != nil {
			return err
		}
		return drv.UmountVolume(uuid)
	})
	if err != nil {
		return err
	}
	slog.Info("volume unmounted", "volume", uuid)
	return nil
}
