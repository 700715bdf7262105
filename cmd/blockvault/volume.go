package main

import (
	"github.com/spf13/cobra"

	"github.com/blockvault/blockvault/internal/api"
)

var (
	createSize      string
	createBackupURL string
	createDriver    string
	mountPoint      string
)

var volumeCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a volume",
	Long:  "Create a volume, optionally named, optionally restored from a backup URL.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVolumeCreate,
}

var volumeDeleteCmd = &cobra.Command{
	Use:   "delete <volume>",
	Short: "Delete a volume and all its snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonClient().DeleteVolume(args[0])
	},
}

var volumeMountCmd = &cobra.Command{
	Use:   "mount <volume>",
	Short: "Mount a volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mp, err := daemonClient().MountVolume(args[0], mountPoint)
		if err != nil {
			return err
		}
		return printJSON(api.MountResponse{MountPoint: mp})
	},
}

var volumeUmountCmd = &cobra.Command{
	Use:   "umount <volume>",
	Short: "Unmount a volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonClient().UmountVolume(args[0])
	},
}

var volumeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all volumes",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		volumes, err := daemonClient().ListVolumes()
		if err != nil {
			return err
		}
		return printJSON(volumes)
	},
}

var volumeInspectCmd = &cobra.Command{
	Use:   "inspect <volume>",
	Short: "Show one volume record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vol, err := daemonClient().InspectVolume(args[0])
		if err != nil {
			return err
		}
		return printJSON(vol)
	},
}

func init() {
	volumeCreateCmd.Flags().StringVar(&createSize, "size", "", "Volume size (e.g. 500M, 2G)")
	volumeCreateCmd.Flags().StringVar(&createBackupURL, "backup", "", "Backup URL to restore the volume from")
	volumeCreateCmd.Flags().StringVar(&createDriver, "driver", "", "Driver to create the volume with")
	volumeMountCmd.Flags().StringVar(&mountPoint, "mountpoint", "", "Mount point (defaults to a directory under the daemon mounts dir)")
}

func runVolumeCreate(cmd *cobra.Command, args []string) error {
	req := &api.VolumeCreateRequest{
		Size:      createSize,
		BackupURL: createBackupURL,
		Driver:    createDriver,
	}
	if len(args) > 0 {
		req.Name = args[0]
	}
	vol, err := daemonClient().CreateVolume(req)
	if err != nil {
		return err
	}
	return printJSON(vol)
}
