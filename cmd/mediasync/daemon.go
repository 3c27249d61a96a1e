package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clinicapture/mediasync/internal/media/daemon"
	"github.com/clinicapture/mediasync/internal/media/dashboard"
	"github.com/clinicapture/mediasync/internal/media/reconcile"
	"github.com/clinicapture/mediasync/internal/media/repository"
	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/ui"
)

const lockFileName = "daemon.lock"

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run periodic sync, health sweeps and the file watcher",
	Long: `Run mediasync in the foreground until interrupted.

On startup:
  1. Roll back uploads interrupted by a previous crash
  2. Merge duplicate owners
  3. Re-check every asset file

Then, until Ctrl+C or SIGTERM:
  - pull and push owners, then sync every owner (sync.interval)
  - re-check every asset file (health.interval)
  - re-check a file as soon as it is removed or restored on disk

Periodic sync is off when no remote is configured. With --dashboard,
sync progress and asset state changes are streamed over a local
WebSocket (ws://127.0.0.1:PORT/ws).

Only one daemon may run per data directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		noWatch, _ := cmd.Flags().GetBool("no-watch")

		if cmd.Flags().Changed("port") {
			withDashboard = true
		} else {
			port = cfg.Dashboard.Port
		}
		withDashboard = withDashboard || cfg.Dashboard.Enabled

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			fatal("failed to create data directory: %v", err)
		}
		release, err := acquireLock(filepath.Join(cfg.DataDir, lockFileName))
		if err != nil {
			fatal("%v", err)
		}
		defer release()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var (
			server  *dashboard.Server
			handler *dashboard.Handler
			opts    appOptions
		)
		if withDashboard {
			server = dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Logger: logger.With("component", "dashboard"),
			})
			handler = dashboard.NewHandler(server, logger.With("component", "dashboard"))
			opts.onReconcile = handler.OnReconcile
		} else {
			opts.onReconcile = logReconcile
		}

		a, err := openAppWith(ctx, opts)
		if err != nil {
			fatal("%v", err)
		}
		defer a.Close()

		dcfg := daemon.DefaultConfig()
		dcfg.SyncInterval = cfg.Sync.Interval
		dcfg.HealthInterval = cfg.Health.Interval
		dcfg.Watch = !noWatch
		dcfg.Logger = logger.With("component", "daemon")
		dcfg.OnSyncRound = logSyncRound
		dcfg.OnHealthSweep = logHealthSweep
		dcfg.OnHealthCheck = func(as schema.Asset) {
			logger.Info("asset file re-checked", "asset_id", as.ID, "state", as.State)
		}
		if a.client == nil {
			dcfg.SyncInterval = 0
		}

		if handler != nil {
			a.repo.SetStateObserver(handler.OnStateChange)
			dcfg.SyncOptions = handler.SyncOptions
			dcfg.OnSyncRound = func(results []daemon.OwnerResult) {
				logSyncRound(results)
				handler.OnSyncRound(results)
			}
			dcfg.OnHealthSweep = func(r repository.HealthReport) {
				logHealthSweep(r)
				handler.OnHealthSweep(r)
			}

			if err := server.Start(); err != nil {
				fatal("failed to start dashboard: %v", err)
			}
			defer server.Stop()
		}

		d, err := daemon.NewWithConfig(a.runner, a.repo, a.ownerExchange(), dcfg)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("%s mediasync daemon running (data: %s)\n", ui.RenderPass("●"), cfg.DataDir)
		if a.client == nil {
			fmt.Printf("   Sync:      %s\n", ui.RenderMuted("off (no remote configured)"))
		} else {
			fmt.Printf("   Sync:      every %s\n", dcfg.SyncInterval)
		}
		fmt.Printf("   Health:    every %s\n", dcfg.HealthInterval)
		if server != nil {
			fmt.Printf("   Dashboard: ws://%s/ws\n", server.GetAddr())
		}
		fmt.Println("Press Ctrl+C to stop.")

		if err := d.Start(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Stopped\n", ui.RenderMuted("●"))
	},
}

func logReconcile(r reconcile.Report) {
	if len(r.Merges) == 0 && r.Failed == 0 {
		return
	}
	logger.Info("owners reconciled", "merged", len(r.Merges), "failed_groups", r.Failed, "assets_moved", r.AssetsMoved())
}

func logSyncRound(results []daemon.OwnerResult) {
	var ok, failed int
	var up, down int
	for _, r := range results {
		if r.Err != nil {
			failed++
			logger.Warn("owner sync failed", "owner_id", r.OwnerID, "error", r.Err)
			continue
		}
		ok++
		up += r.Result.Upload.Succeeded
		down += r.Result.Download.Succeeded
	}
	logger.Info("sync round finished", "owners", ok, "failed", failed, "uploaded", up, "downloaded", down)
}

func logHealthSweep(r repository.HealthReport) {
	logger.Info("health sweep finished",
		"checked", r.Checked, "missing", r.Missing, "corrupt", r.Corrupt, "recovered", r.Recovered)
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Stream events over a local WebSocket")
	daemonCmd.Flags().Int("port", 0, "Dashboard port (implies --dashboard)")
	daemonCmd.Flags().Bool("no-watch", false, "Do not watch the media directory")
	rootCmd.AddCommand(daemonCmd)
}
