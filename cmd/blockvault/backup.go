package main

import (
	"github.com/spf13/cobra"
)

var (
	backupDestURL    string
	backupVolumeUUID string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup management commands",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create <snapshot>",
	Short: "Upload a snapshot to a backup destination",
	Long:  "Upload a snapshot to a destination URL (vfs:///path or s3://bucket@region/path) and print the backup URL.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backupURL, err := daemonClient().CreateBackup(args[0], backupDestURL)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"URL": backupURL})
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-url>",
	Short: "Delete a backup from its destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonClient().DeleteBackup(args[0])
	},
}

var backupInspectCmd = &cobra.Command{
	Use:   "inspect <backup-url>",
	Short: "Show the metadata stored with a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backup, err := daemonClient().InspectBackup(args[0])
		if err != nil {
			return err
		}
		return printJSON(backup)
	},
}

var backupListCmd = &cobra.Command{
	Use:     "list <dest-url>",
	Aliases: []string{"ls"},
	Short:   "List backups at a destination",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backups, err := daemonClient().ListBackups(args[0], backupVolumeUUID)
		if err != nil {
			return err
		}
		return printJSON(backups)
	},
}

func init() {
	backupCreateCmd.Flags().StringVar(&backupDestURL, "dest", "", "Destination URL")
	backupCreateCmd.MarkFlagRequired("dest")
	backupListCmd.Flags().StringVar(&backupVolumeUUID, "volume-uuid", "", "Only list backups of this origin volume UUID")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupInspectCmd)
	backupCmd.AddCommand(backupListCmd)
}
