package daemon

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blockvault/blockvault/internal/api"
	"github.com/blockvault/blockvault/internal/registry"
	"github.com/blockvault/blockvault/internal/verror"
)

// Docker volume plugin surface. Docker addresses volumes by name only and
// expects errors inline in the body, not via status codes.

type dockerRequest struct {
	Name string
	Opts map[string]string
}

func dockerError(c *gin.Context, err error) {
	c.JSON(http.StatusOK, gin.H{"Err": err.Error()})
}

func (d *Daemon) handlePluginActivate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"Implements": []string{"VolumeDriver"}})
}

func (d *Daemon) bindDockerRequest(c *gin.Context) (*dockerRequest, bool) {
	var req dockerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dockerError(c, verror.ConflictingArguments("invalid request body: %v", err))
		return nil, false
	}
	if req.Name == "" {
		dockerError(c, verror.ConflictingArguments("volume name is required"))
		return nil, false
	}
	return &req, true
}

// handleDockerCreate reuses an existing volume with the requested name.
// Docker retries Create liberally, so it has to be idempotent.
func (d *Daemon) handleDockerCreate(c *gin.Context) {
	req, ok := d.bindDockerRequest(c)
	if !ok {
		return
	}
	if _, err := d.registry.ResolveVolume(req.Name); err == nil {
		c.JSON(http.StatusOK, gin.H{"Err": ""})
		return
	}
	createReq := &api.VolumeCreateRequest{
		Name:   req.Name,
		Size:   req.Opts["size"],
		Driver: req.Opts["driver"],
	}
	if _, err := d.createVolume(c, createReq); err != nil {
		dockerError(c, err)
		return
	}
	slog.Info("docker volume created", "name", req.Name)
	c.JSON(http.StatusOK, gin.H{"Err": ""})
}

func (d *Daemon) handleDockerRemove(c *gin.Context) {
	req, ok := d.bindDockerRequest(c)
	if !ok {
		return
	}
	uuid, err := d.registry.ResolveVolume(req.Name)
	if err != nil {
		dockerError(c, err)
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
		dockerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"Err": ""})
}

func (d *Daemon) handleDockerMount(c *gin.Context) {
	req, ok := d.bindDockerRequest(c)
	if !ok {
		return
	}
	uuid, err := d.registry.ResolveVolume(req.Name)
	if err != nil {
		dockerError(c, err)
		return
	}
	mountPoint, err := d.mountVolume(uuid, "")
	if err != nil {
		dockerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"Mountpoint": mountPoint, "Err": ""})
}

func (d *Daemon) handleDockerUnmount(c *gin.Context) {
	req, ok := d.bindDockerRequest(c)
	if !ok {
		return
	}
	uuid, err := d.registry.ResolveVolume(req.Name)
	if err != nil {
		dockerError(c, err)
		return
	}
	if err := d.umountVolume(uuid); err != nil {
		dockerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"Err": ""})
}

func (d *Daemon) handleDockerPath(c *gin.Context) {
	req, ok := d.bindDockerRequest(c)
	if !ok {
		return
	}
	uuid, err := d.registry.ResolveVolume(req.Name)
	if err != nil {
		dockerError(c, err)
		return
	}
	vol, err := d.registry.GetVolume(uuid)
	if err != nil {
		dockerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"Mountpoint": vol.MountPoint, "Err": ""})
}
