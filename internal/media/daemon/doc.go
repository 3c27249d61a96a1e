// Package daemon is the background execution context of mediasync.
//
// Repository, synchronizer and downloader calls block on disk and network
// I/O, so hosts never call them on a foreground thread. They submit work
// here and receive a handle.
//
// # Architecture
//
// The package consists of three components:
//
//   - Runner: Startup barrier, task submission and per-owner serialization
//   - HealthWatcher: fsnotify watch over the media directory that re-checks
//     an asset when its file appears or disappears
//   - Daemon: Runner plus HealthWatcher plus periodic sync and health sweeps
//
// # Startup barrier
//
// Runner.Start rolls back assets a crash left in UPLOADING, then runs the
// owner reconciliation pass. Tasks submitted before Start finishes wait
// for it:
//
//	runner, err := daemon.NewRunner(synchronizer, repo, store, daemon.RunnerConfig{
//	    Concurrency: 2,
//	    Logger:      logger,
//	})
//	if err != nil {
//	    return err
//	}
//
//	task := runner.Submit(ctx, ownerID, syncer.Options{})
//	go runner.Start(ctx)
//
//	result, err := task.Wait(ctx)
//
// # Ordering
//
//   - Syncs of the same owner run one at a time
//   - Syncs of different owners may overlap, bounded by Concurrency in
//     SyncAll
//   - Task.Cancel stops a sync between assets, never mid-file
//
// # Daemon
//
//	d, err := daemon.NewWithConfig(runner, repo, ownerSyncer, &daemon.Config{
//	    SyncInterval:     5 * time.Minute,
//	    HealthInterval:   10 * time.Minute,
//	    DebounceInterval: 250 * time.Millisecond,
//	    Watch:            true,
//	    Logger:           logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
package daemon
