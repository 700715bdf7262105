package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blockvault/blockvault/internal/client"
	"github.com/blockvault/blockvault/internal/daemon"
)

var (
	rootDir   string
	logLevel  string
	logFormat string
	logFile   string

	rootCmd = &cobra.Command{
		Use:   "blockvault",
		Short: "Block device volume manager",
		Long:  "Manages volumes, snapshots and backups on top of devicemapper thin pools or plain directories.",
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "/var/lib/blockvault", "Daemon state directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log", "", "Log file (defaults to stderr)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(volumeCreateCmd)
	rootCmd.AddCommand(volumeDeleteCmd)
	rootCmd.AddCommand(volumeMountCmd)
	rootCmd.AddCommand(volumeUmountCmd)
	rootCmd.AddCommand(volumeListCmd)
	rootCmd.AddCommand(volumeInspectCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(backupCmd)
}

func setupLogging() error {
	out := os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func daemonClient() *client.Client {
	return client.New(filepath.Join(rootDir, daemon.SocketName))
}

// printJSON writes the command result as indented JSON on stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show daemon and driver information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := daemonClient().Info()
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
