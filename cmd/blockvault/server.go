package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockvault/blockvault/internal/client"
	"github.com/blockvault/blockvault/internal/daemon"
	"github.com/blockvault/blockvault/internal/util"

	// Import drivers and destination schemes for self-registration
	_ "github.com/blockvault/blockvault/internal/drivers"
	_ "github.com/blockvault/blockvault/internal/objectstore/stores"
)

var (
	serverMountsDir         string
	serverDefaultDriver     string
	serverDefaultVolumeSize string
	serverDrivers           []string
	serverDriverOpts        []string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the volume manager daemon",
	Long:  "Start the daemon that owns the volume registry and serves the API on a unix socket under --root.",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverMountsDir, "mounts-dir", "", "Default directory for volume mount points (defaults to <root>/mounts)")
	serverCmd.Flags().StringVar(&serverDefaultDriver, "default-driver", "", "Driver used when a request names none")
	serverCmd.Flags().StringVar(&serverDefaultVolumeSize, "default-volume-size", "1G", "Volume size used when a request names none")
	serverCmd.Flags().StringArrayVar(&serverDrivers, "drivers", []string{"devicemapper"}, "Drivers to load")
	serverCmd.Flags().StringArrayVar(&serverDriverOpts, "driver-opts", []string{}, "Driver options (format: key=value)")
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}

	driverOpts, err := util.SliceToMap(serverDriverOpts)
	if err != nil {
		return err
	}

	d, err := daemon.New(&daemon.Config{
		Root:              rootDir,
		MountsDir:         serverMountsDir,
		DefaultDriver:     serverDefaultDriver,
		DefaultVolumeSize: serverDefaultVolumeSize,
		Drivers:           serverDrivers,
		DriverOpts:        driverOpts,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start()
	}()

	if err := client.New(d.SocketPath()).WaitForServer(30); err != nil {
		d.Shutdown(context.Background())
		return err
	}
	slog.Info("daemon ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		d.Shutdown(context.Background())
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		slog.Warn("daemon shutdown error", "error", err)
	}

	slog.Info("daemon stopped")
	return nil
}
