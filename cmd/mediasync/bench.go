package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clinicapture/mediasync/internal/media/loadtest"
	"github.com/clinicapture/mediasync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure capture and gallery latency under concurrency",
	Long: `Run concurrent captures and gallery reads against a scratch database.

The bench never touches the configured data directory: it creates a
temporary one (or uses --dir) and checks afterwards that every committed
asset has its file and that no staged bytes were left behind.

Examples:
  mediasync bench
  mediasync bench --workers 16 --captures 50 --size 2000000
  mediasync bench --memfs --json`,
	Annotations: map[string]string{annotConfig: configOptional},
	Run:         runBench,
}

type benchReport struct {
	Captures *loadtest.LatencyStats `json:"captures"`
	Reads    *loadtest.LatencyStats `json:"reads"`
	Verified bool                   `json:"verified"`
	Error    string                 `json:"error,omitempty"`
}

func runBench(cmd *cobra.Command, args []string) {
	owners, _ := cmd.Flags().GetInt("owners")
	workers, _ := cmd.Flags().GetInt("workers")
	captures, _ := cmd.Flags().GetInt("captures")
	reads, _ := cmd.Flags().GetInt("reads")
	size, _ := cmd.Flags().GetInt("size")
	memfs, _ := cmd.Flags().GetBool("memfs")
	dir, _ := cmd.Flags().GetString("dir")

	if workers < 1 || captures < 1 || size < 1 {
		fatal("--workers, --captures and --size must be positive")
	}

	if dir == "" {
		tmp, err := os.MkdirTemp("", "mediasync-bench-*")
		if err != nil {
			fatal("failed to create scratch directory: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	ctx := context.Background()
	b, err := loadtest.Open(ctx, loadtest.Options{
		Dir:           dir,
		Owners:        owners,
		InMemoryFiles: memfs,
		Logger:        logger.With("component", "bench"),
	})
	if err != nil {
		fatal("%v", err)
	}
	defer b.Close()

	if !jsonOutput {
		fmt.Printf("%s Capturing: %d workers x %d captures of %s over %d owners\n",
			ui.RenderAccent("→"), workers, captures, formatSize(int64(size)), len(b.OwnerIDs))
	}
	var report benchReport
	report.Captures, err = b.RunConcurrentCaptures(ctx, workers, captures, size)
	if err != nil {
		fatal("%v", err)
	}

	if reads > 0 {
		if !jsonOutput {
			fmt.Printf("%s Reading galleries: %d workers x %d reads\n", ui.RenderAccent("→"), workers, reads)
		}
		report.Reads, err = b.RunConcurrentReads(ctx, workers, reads)
		if err != nil {
			fatal("%v", err)
		}
	}

	if err := b.Verify(ctx); err != nil {
		report.Error = err.Error()
	} else {
		report.Verified = true
	}

	if jsonOutput {
		printJSON(report)
	} else {
		fmt.Println("\nCaptures:")
		report.Captures.Print(os.Stdout)
		if report.Reads != nil {
			fmt.Println("\nGallery reads:")
			report.Reads.Print(os.Stdout)
		}
		fmt.Println()
		if report.Verified {
			fmt.Printf("%s Storage verified\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("%s Storage check failed: %s\n", ui.RenderFail("✗"), report.Error)
		}
	}

	if !report.Verified || report.Captures.Errors > 0 {
		os.Exit(1)
	}
}

func init() {
	benchCmd.Flags().Int("owners", 4, "Number of owners")
	benchCmd.Flags().Int("workers", 8, "Number of concurrent workers")
	benchCmd.Flags().Int("captures", 20, "Captures per worker")
	benchCmd.Flags().Int("reads", 20, "Gallery reads per worker (0 to skip)")
	benchCmd.Flags().Int("size", 256*1024, "Bytes per capture")
	benchCmd.Flags().Bool("memfs", false, "Keep asset files in memory")
	benchCmd.Flags().String("dir", "", "Scratch directory (default: a new temp dir, removed afterwards)")
	rootCmd.AddCommand(benchCmd)
}
