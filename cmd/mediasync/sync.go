package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinicapture/mediasync/internal/media/daemon"
	"github.com/clinicapture/mediasync/internal/media/reconcile"
	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/media/syncer"
	"github.com/clinicapture/mediasync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Upload local captures, then download remote ones",
	Long: `Run the two-phase sync for one owner or for every owner.

For each owner:
  1. Upload every local asset not yet on the remote store, oldest first
  2. Only if every upload succeeded, download remote assets missing locally

Download failures are reported but do not fail the sync. Ctrl+C stops the
sync between assets; an interrupted upload is rolled back.

The startup pass (interrupted upload rollback and duplicate owner merge)
runs first.`,
	Run: func(cmd *cobra.Command, args []string) {
		ownerID, _ := cmd.Flags().GetInt64("owner")
		withOwners, _ := cmd.Flags().GetBool("owners")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := mustOpenApp(ctx)
		defer a.Close()
		a.requireRemote()

		if err := a.runner.Start(ctx); err != nil {
			fatal("%v", err)
		}

		if withOwners {
			pullRes, err := a.owners.Pull(ctx)
			reportPhase("Owners pulled", pullRes, err)
			pushRes, err := a.owners.Push(ctx)
			reportPhase("Owners pushed", pushRes, err)
		}

		var results []daemon.OwnerResult
		if ownerID > 0 {
			start := time.Now()
			res, err := a.runner.Submit(ctx, ownerID, progressOptions(ownerID)).Wait(ctx)
			results = []daemon.OwnerResult{{OwnerID: ownerID, Result: res, Err: err}}
			logger.Info("owner sync finished", "owner_id", ownerID, "duration", time.Since(start), "success", err == nil)
		} else {
			results, _ = a.runner.SyncAll(ctx, progressOptions)
		}

		if jsonOutput {
			printJSON(syncReport(results))
		} else {
			printSyncResults(results)
		}

		for _, r := range results {
			if r.Err != nil {
				os.Exit(1)
			}
		}
	},
}

// progressOptions prints phases and upload progress to stderr, so
// --json output on stdout stays clean.
func progressOptions(ownerID int64) syncer.Options {
	if jsonOutput {
		return syncer.Options{}
	}
	return syncer.Options{
		OnPhase: func(p syncer.Phase) {
			if p != syncer.PhaseDone {
				fmt.Fprintf(os.Stderr, "%s owner #%d: %s\n", ui.RenderAccent("→"), ownerID, p)
			}
		},
		OnProgress: func(current, total int) {
			fmt.Fprintf(os.Stderr, "   uploaded %d/%d\n", current, total)
		},
	}
}

type ownerSyncJSON struct {
	OwnerID         int64              `json:"owner_id"`
	Success         bool               `json:"success"`
	Upload          syncer.PhaseResult `json:"upload"`
	Download        syncer.PhaseResult `json:"download"`
	DownloadSkipped bool               `json:"download_skipped"`
	DownloadError   string             `json:"download_error,omitempty"`
	Error           string             `json:"error,omitempty"`
}

func syncReport(results []daemon.OwnerResult) []ownerSyncJSON {
	out := make([]ownerSyncJSON, 0, len(results))
	for _, r := range results {
		j := ownerSyncJSON{
			OwnerID:         r.OwnerID,
			Success:         r.Err == nil && r.Result.Success,
			Upload:          r.Result.Upload,
			Download:        r.Result.Download,
			DownloadSkipped: r.Result.DownloadSkipped,
		}
		if r.Err != nil {
			j.Error = r.Err.Error()
		}
		if r.Result.DownloadErr != nil {
			j.DownloadError = r.Result.DownloadErr.Error()
		}
		out = append(out, j)
	}
	return out
}

func printSyncResults(results []daemon.OwnerResult) {
	if len(results) == 0 {
		fmt.Println("No owners to sync.")
		return
	}
	for _, r := range results {
		res := r.Result
		switch {
		case r.Err != nil:
			fmt.Printf("%s owner #%d: sync failed: %v\n", ui.RenderFail("✗"), r.OwnerID, r.Err)
		case res.DownloadErr != nil:
			fmt.Printf("%s owner #%d: synced with download errors\n", ui.RenderWarn("⚠"), r.OwnerID)
		default:
			fmt.Printf("%s owner #%d: synced\n", ui.RenderPass("✓"), r.OwnerID)
		}
		fmt.Printf("   Uploaded:   %d (%d failed)\n", res.Upload.Succeeded, res.Upload.Failed)
		if res.DownloadSkipped {
			fmt.Printf("   Downloaded: %s\n", ui.RenderMuted("skipped"))
		} else {
			fmt.Printf("   Downloaded: %d (%d failed)\n", res.Download.Succeeded, res.Download.Failed)
		}
	}
}

func reportPhase(label string, res syncer.PhaseResult, err error) {
	if jsonOutput {
		return
	}
	mark := ui.RenderPass("✓")
	if err != nil {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s %s: %d (%d failed)\n", mark, label, res.Succeeded, res.Failed)
}

var reconcileCmd = &cobra.Command{
	Use:     "reconcile",
	GroupID: "maint",
	Short:   "Merge duplicate owners",
	Long: `Merge owners that share a business code into the oldest of them.

Assets and capture sessions of each duplicate are moved to the oldest
owner, then the duplicate is deleted. This pass also runs automatically
before every sync; running it again is a no-op.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		report, err := reconcile.Run(ctx, a.store, logger)
		if jsonOutput {
			printJSON(report)
		} else if len(report.Merges) == 0 && report.Failed == 0 {
			fmt.Printf("%s No duplicate owners\n", ui.RenderPass("✓"))
		} else {
			for _, m := range report.Merges {
				fmt.Printf("%s Merged owner #%d into #%d (%d assets, %d sessions)\n",
					ui.RenderPass("✓"), m.DuplicateID, m.CanonicalID, m.AssetsMoved, m.SessionsMoved)
			}
		}
		if err != nil {
			fatal("%v", err)
		}
	},
}

var healthCmd = &cobra.Command{
	Use:     "health",
	GroupID: "maint",
	Short:   "Re-check every asset file on disk",
	Long: `Re-check the file behind every asset.

  - missing files are restored from backup_dirs when a copy exists,
    else the asset becomes FILE_MISSING
  - empty or unreadable files make the asset CORRUPT
  - FILE_MISSING assets whose file is back become DB_COMMITTED`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		report, err := a.repo.RefreshAllFileHealth(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(report)
			return
		}

		mark := ui.RenderPass("✓")
		if report.Missing > 0 || report.Corrupt > 0 || report.Failed > 0 {
			mark = ui.RenderWarn("⚠")
		}
		fmt.Printf("%s Checked %d files\n", mark, report.Checked)
		fmt.Printf("   Missing:   %d\n", report.Missing)
		fmt.Printf("   Corrupt:   %d\n", report.Corrupt)
		fmt.Printf("   Recovered: %d\n", report.Recovered)
		if report.Failed > 0 {
			fmt.Printf("   Failed:    %d\n", report.Failed)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maint",
	Short:   "Show storage, owner and asset state counts",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		owners, err := a.store.ListOwners(ctx)
		if err != nil {
			fatal("%v", err)
		}
		counts, err := a.repo.Stats(ctx, 0)
		if err != nil {
			fatal("%v", err)
		}

		breaker := "n/a"
		if a.client != nil {
			breaker = a.client.BreakerState()
		}

		if jsonOutput {
			printJSON(map[string]any{
				"database": cfg.DatabasePath(),
				"media":    cfg.MediaDir(),
				"remote":   cfg.Remote.BaseURL,
				"owners":   len(owners),
				"assets":   counts,
				"breaker":  breaker,
			})
			return
		}

		fmt.Printf("\n%s mediasync status\n\n", ui.RenderAccent("●"))
		fmt.Printf("Database: %s\n", cfg.DatabasePath())
		fmt.Printf("Media:    %s\n", cfg.MediaDir())
		if cfg.RemoteEnabled() {
			fmt.Printf("Remote:   %s (circuit %s)\n", cfg.Remote.BaseURL, breaker)
		} else {
			fmt.Printf("Remote:   %s\n", ui.RenderMuted("not configured"))
		}
		fmt.Printf("Owners:   %d\n\n", len(owners))

		states := make([]schema.State, 0, len(counts))
		for s := range counts {
			states = append(states, s)
		}
		sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

		rows := make([][]string, 0, len(states))
		total := 0
		for _, s := range states {
			rows = append(rows, []string{ui.RenderState(s), fmt.Sprint(counts[s])})
			total += counts[s]
		}
		rows = append(rows, []string{"TOTAL", fmt.Sprint(total)})
		fmt.Println(ui.Table([]string{"STATE", "ASSETS"}, rows))
	},
}

func init() {
	syncCmd.Flags().Int64("owner", 0, "Sync only this owner (default: all owners)")
	syncCmd.Flags().Bool("owners", false, "Pull and push owner records first")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
}
