package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clinicapture/mediasync/internal/config"
	"github.com/clinicapture/mediasync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:         "init",
	GroupID:     "setup",
	Short:       "Create a config file, the data directory and the database",
	Annotations: map[string]string{annotConfig: configOptional},
	Long: `Write a default mediasync.yaml and initialize local storage.

This creates:
  1. The config file (--config, default ./mediasync.yaml)
  2. The data directory with media/ and media/.staging/
  3. The SQLite database with its schema

Environment variables (MEDIASYNC_*) still override the written file.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		baseURL, _ := cmd.Flags().GetString("remote")
		clinicID, _ := cmd.Flags().GetString("clinic")

		out := *cfg
		if dataDir != "" {
			out.DataDir = dataDir
		}
		if baseURL != "" {
			out.Remote.BaseURL = baseURL
		}
		if clinicID != "" {
			out.Remote.ClinicID = clinicID
		}
		if err := out.Validate(); err != nil {
			fatal("%v", err)
		}

		path := configPath
		if path == "" {
			path = config.FileName
		}
		if err := out.WriteFile(path, force); err != nil {
			fatal("%v (use --force to overwrite)", err)
		}

		if err := os.MkdirAll(out.DataDir, 0755); err != nil {
			fatal("failed to create data directory: %v", err)
		}
		cfg = &out

		a := mustOpenApp(context.Background())
		defer a.Close()

		fmt.Printf("%s Initialized mediasync\n", ui.RenderPass("✓"))
		fmt.Printf("   Config:   %s\n", path)
		fmt.Printf("   Data:     %s\n", out.DataDir)
		fmt.Printf("   Database: %s\n", out.DatabasePath())
		if out.RemoteEnabled() {
			fmt.Printf("   Remote:   %s\n", out.Remote.BaseURL)
		} else {
			fmt.Printf("   Remote:   %s\n", ui.RenderMuted("not configured"))
		}
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	initCmd.Flags().String("data-dir", "", "Data directory (default: .mediasync)")
	initCmd.Flags().String("remote", "", "Remote media store base URL")
	initCmd.Flags().String("clinic", "", "Clinic id on the remote store")
	rootCmd.AddCommand(initCmd)
}
