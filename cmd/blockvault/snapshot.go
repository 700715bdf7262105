package main

import (
	"github.com/spf13/cobra"
)

var snapshotName string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Snapshot management commands",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <volume>",
	Short: "Create a snapshot of a volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := daemonClient().CreateSnapshot(args[0], snapshotName)
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <snapshot>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonClient().DeleteSnapshot(args[0])
	},
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect <snapshot>",
	Short: "Show one snapshot record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := daemonClient().InspectSnapshot(args[0])
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

func init() {
	snapshotCreateCmd.Flags().StringVar(&snapshotName, "name", "", "Snapshot name (optional, globally unique)")
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
	snapshotCmd.AddCommand(snapshotInspectCmd)
}
