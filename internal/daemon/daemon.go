// Package daemon serves the volume manager API on a unix socket under the
// daemon root. One daemon owns one root directory, guarded by a lock file.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blockvault/blockvault/internal/driver"
	"github.com/blockvault/blockvault/internal/registry"
	"github.com/blockvault/blockvault/internal/util"
	"github.com/blockvault/blockvault/internal/verror"
)

const (
	configName = "blockvault.json"
	lockName   = "lock"

	// SocketName is the API socket file, relative to the daemon root.
	SocketName = "blockvault.sock"
)

// Config is the persisted daemon configuration. The first start writes it
// under the root; later starts reload it so the driver topology stays
// stable across restarts.
type Config struct {
	Root              string
	MountsDir         string
	DefaultDriver     string
	DefaultVolumeSize string
	Drivers           []string
	DriverOpts        map[string]string
}

// Daemon ties the registry, the drivers and the HTTP front-end together.
type Daemon struct {
	config   *Config
	registry *registry.Registry
	drivers  map[string]driver.Driver

	server   *http.Server
	listener net.Listener
	lockFile *os.File
}

// New prepares a daemon under cfg.Root: takes the root lock, loads or
// persists the configuration, initializes the drivers and rebuilds the
// registry. Volumes that were mounted before a restart are mounted again.
func New(cfg *Config) (*Daemon, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("daemon root must be set: %w", verror.ErrStartup)
	}
	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create root %s: %w", cfg.Root, err)
	}

	lockFile, err := util.LockFile(filepath.Join(cfg.Root, lockName))
	if err != nil {
		return nil, fmt.Errorf("root %s is held by another daemon: %w", cfg.Root, verror.ErrStartup)
	}

	d := &Daemon{
		config:  cfg,
		drivers: make(map[string]driver.Driver),
	}

	if err := d.setup(); err != nil {
		util.UnlockFile(lockFile)
		return nil, err
	}
	d.lockFile = lockFile

	d.server = &http.Server{
		Handler:      d.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Minute, // backup uploads can run long
	}
	return d, nil
}

func (d *Daemon) setup() error {
	cfg := d.config

	if util.ConfigExists(cfg.Root, configName) {
		persisted := &Config{}
		if err := util.LoadConfig(cfg.Root, configName, persisted); err != nil {
			return fmt.Errorf("failed to reload daemon config: %w", err)
		}
		slog.Info("reusing persisted daemon config", "root", cfg.Root)
		*cfg = *persisted
	} else {
		if cfg.MountsDir == "" {
			cfg.MountsDir = filepath.Join(cfg.Root, "mounts")
		}
		if len(cfg.Drivers) == 0 {
			return fmt.Errorf("at least one driver must be configured: %w", verror.ErrStartup)
		}
		if cfg.DefaultDriver == "" {
			cfg.DefaultDriver = cfg.Drivers[0]
		}
		if err := util.SaveConfig(cfg.Root, configName, cfg); err != nil {
			return fmt.Errorf("failed to persist daemon config: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.MountsDir, 0700); err != nil {
		return fmt.Errorf("failed to create mounts dir %s: %w", cfg.MountsDir, err)
	}

	opts := make(map[string]string, len(cfg.DriverOpts)+1)
	for k, v := range cfg.DriverOpts {
		opts[k] = v
	}
	opts[driver.OptMountsDir] = cfg.MountsDir

	for _, name := range cfg.Drivers {
		drv, err := driver.New(name, filepath.Join(cfg.Root, name), opts)
		if err != nil {
			d.shutdownDrivers()
			return fmt.Errorf("failed to initialize driver %s: %w", name, err)
		}
		d.drivers[name] = drv
		slog.Info("driver loaded", "driver", name)
	}
	if _, ok := d.drivers[cfg.DefaultDriver]; !ok {
		d.shutdownDrivers()
		return verror.UnknownDriver(cfg.DefaultDriver)
	}

	reg, err := registry.New(cfg.Root)
	if err != nil {
		d.shutdownDrivers()
		return fmt.Errorf("failed to load volume registry: %w", err)
	}
	d.registry = reg

	d.remountVolumes()
	return nil
}

// remountVolumes restores mounts recorded before the last shutdown.
func (d *Daemon) remountVolumes() {
	volumes, err := d.registry.ListVolumes()
	if err != nil {
		slog.Warn("failed to list volumes for remount", "error", err)
		return
	}
	for uuid, vol := range volumes {
		if vol.MountPoint == "" {
			continue
		}
		drv, err := d.driverFor(vol.DriverName)
		if err != nil {
			slog.Warn("cannot remount volume, driver not loaded", "volume", uuid, "driver", vol.DriverName)
			continue
		}
		if _, err := drv.MountVolume(uuid, vol.MountPoint); err != nil {
			slog.Warn("failed to remount volume", "volume", uuid, "mountpoint", vol.MountPoint, "error", err)
			continue
		}
		slog.Info("volume remounted", "volume", uuid, "mountpoint", vol.MountPoint)
	}
}

func (d *Daemon) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/info", d.handleInfo)
	router.GET("/uuid", d.handleUUID)

	router.GET("/volumes/list", d.handleVolumeList)
	router.GET("/volumes/:id", d.handleVolumeInspect)
	router.POST("/volumes/create", d.handleVolumeCreate)
	router.POST("/volumes/:id/mount", d.handleVolumeMount)
	router.POST("/volumes/:id/umount", d.handleVolumeUmount)
	router.DELETE("/volumes/:id", d.handleVolumeDelete)

	router.GET("/snapshots/inspect", d.handleSnapshotInspect)
	router.POST("/snapshots/create", d.handleSnapshotCreate)
	router.DELETE("/snapshots/delete", d.handleSnapshotDelete)

	router.GET("/backups/list", d.handleBackupList)
	router.GET("/backups/inspect", d.handleBackupInspect)
	router.POST("/backups/create", d.handleBackupCreate)
	router.DELETE("/backups/delete", d.handleBackupDelete)

	router.POST("/Plugin.Activate", d.handlePluginActivate)
	router.POST("/VolumeDriver.Create", d.handleDockerCreate)
	router.POST("/VolumeDriver.Remove", d.handleDockerRemove)
	router.POST("/VolumeDriver.Mount", d.handleDockerMount)
	router.POST("/VolumeDriver.Unmount", d.handleDockerUnmount)
	router.POST("/VolumeDriver.Path", d.handleDockerPath)

	return router
}

// SocketPath returns the unix socket the daemon serves on.
func (d *Daemon) SocketPath() string {
	return filepath.Join(d.config.Root, SocketName)
}

// Start serves the API until Shutdown is called.
func (d *Daemon) Start() error {
	socketPath := d.SocketPath()
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		return err
	}
	d.listener = listener

	slog.Info("starting daemon", "socket", socketPath, "root", d.config.Root,
		"drivers", strings.Join(d.config.Drivers, ","))

	if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("daemon server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, shuts the drivers down and releases
// the root lock.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var firstErr error
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	os.RemoveAll(d.SocketPath())

	d.shutdownDrivers()

	if d.lockFile != nil {
		if err := util.UnlockFile(d.lockFile); err != nil && firstErr == nil {
			firstErr = err
		}
		d.lockFile = nil
	}
	return firstErr
}

func (d *Daemon) shutdownDrivers() {
	names := make([]string, 0, len(d.drivers))
	for name := range d.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := d.drivers[name].Shutdown(); err != nil {
			slog.Warn("driver shutdown failed", "driver", name, "error", err)
		}
	}
}

func (d *Daemon) driverFor(name string) (driver.Driver, error) {
	drv, ok := d.drivers[name]
	if !ok {
		return nil, verror.UnknownDriver(name)
	}
	return drv, nil
}

// abortError writes the error taxonomy's HTTP mapping with the standard
// body shape.
func abortError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(verror.HTTPStatus(err), gin.H{"Error": err.Error()})
}
