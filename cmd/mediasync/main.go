// Command mediasync manages clinical photo and video captures: local
// storage, owner records and the two-phase sync with the remote store.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/clinicapture/mediasync/internal/config"
	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/ui"
)

// Commands annotated with annotConfig: configOptional run with defaults
// when an explicit config file does not exist yet.
const (
	annotConfig    = "config"
	configOptional = "optional"
)

var (
	configPath string
	jsonOutput bool
	noColor    bool

	cfg    *config.Config
	logger = logging.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "mediasync",
	Short: "Clinical media capture storage and sync",
	Long: `mediasync stores clinical photo and video captures per owner and keeps
them in sync with the clinic's remote media store.

Captures are written atomically (file and record together), uploaded
before anything is downloaded, and deduplicated by canonical id.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Setup(noColor)

		loaded, err := config.Load(configPath)
		if err != nil {
			if cmd.Annotations[annotConfig] != configOptional || !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			loaded = config.Default()
		}
		cfg = loaded

		l, err := logging.New(logging.Config{
			Mode:       cfg.Log.Mode,
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "media", Title: "Media:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./mediasync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// printJSON writes v to stdout, indented.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("failed to encode output: %v", err)
	}
}
