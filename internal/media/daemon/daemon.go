package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/repository"
	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/media/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often every owner is synced; zero disables
	// periodic sync
	SyncInterval time.Duration

	// HealthInterval is how often all asset files are re-checked; zero
	// disables the sweep
	HealthInterval time.Duration

	// DebounceInterval is how long the file watcher waits for a burst of
	// events on one file to settle
	DebounceInterval time.Duration

	// Watch enables the media directory watcher
	Watch bool

	// Logger for daemon activity
	Logger *logging.Logger

	// SyncOptions returns the callbacks for one owner's periodic sync
	SyncOptions func(ownerID int64) syncer.Options

	// OnSyncRound is called after each periodic sync of all owners
	OnSyncRound func([]OwnerResult)

	// OnHealthSweep is called after each periodic health sweep
	OnHealthSweep func(repository.HealthReport)

	// OnHealthCheck is called after the watcher re-checks one asset
	OnHealthCheck func(schema.Asset)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		HealthInterval:   10 * time.Minute,
		DebounceInterval: 250 * time.Millisecond,
		Watch:            true,
		Logger:           logging.NewNop(),
	}
}

// HealthSweeper re-checks every asset file.
// *repository.Repository implements it.
type HealthSweeper interface {
	HealthChecker
	RefreshAllFileHealth(ctx context.Context) (repository.HealthReport, error)
	MediaDir() string
}

// OwnerExchange pulls and pushes owner records. *syncer.OwnerSyncer
// implements it.
type OwnerExchange interface {
	Pull(ctx context.Context) (syncer.PhaseResult, error)
	Push(ctx context.Context) (syncer.PhaseResult, error)
}

// Daemon runs the startup pass, periodic syncs, periodic health sweeps
// and the media directory watcher until stopped.
type Daemon struct {
	runner *Runner
	health HealthSweeper
	owners OwnerExchange
	config *Config
	logger *logging.Logger

	watcher *HealthWatcher

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon with the default configuration.
//
// The daemon requires:
//   - runner: the background execution context for syncs
//   - health: the repository, for file health checks
//
// owners may be nil when there is no remote owner store.
func New(runner *Runner, health HealthSweeper, owners OwnerExchange) (*Daemon, error) {
	return NewWithConfig(runner, health, owners, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(runner *Runner, health HealthSweeper, owners OwnerExchange, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if health == nil {
		return nil, fmt.Errorf("health cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := logging.OrNop(config.Logger)

	var watcher *HealthWatcher
	if config.Watch {
		w, err := NewHealthWatcher(health.MediaDir(), health, config.DebounceInterval, logger, config.OnHealthCheck)
		if err != nil {
			return nil, err
		}
		watcher = w
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		runner:  runner,
		health:  health,
		owners:  owners,
		config:  config,
		logger:  logger,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Runner returns the daemon's execution context, for submitting syncs.
func (d *Daemon) Runner() *Runner {
	return d.runner
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Run the startup pass (upload rollback, owner reconciliation)
// 2. Sweep all asset files once
// 3. Start watching the media directory
// 4. Sync all owners and sweep files periodically
//
// This blocks until ctx is cancelled or Stop is called. If startup fails
// the daemon is stopped before Start returns.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon")

	if err := d.runner.Start(ctx); err != nil {
		_ = d.Stop()
		return fmt.Errorf("startup failed: %w", err)
	}

	d.sweep(ctx)

	if d.watcher != nil {
		if err := d.watcher.Start(d.ctx); err != nil {
			_ = d.Stop()
			return err
		}
	}

	if d.config.SyncInterval > 0 {
		d.wg.Add(1)
		go d.loop(d.config.SyncInterval, d.syncRound)
	}
	if d.config.HealthInterval > 0 {
		d.wg.Add(1)
		go d.loop(d.config.HealthInterval, d.sweep)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Running syncs are cancelled
// between assets.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.logger.Warn("error closing watcher", "error", err)
			}
		}

		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return nil
}

// loop runs fn every interval until the daemon stops.
func (d *Daemon) loop(interval time.Duration, fn func(context.Context)) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			fn(d.ctx)
		}
	}
}

// syncRound exchanges owners with the remote store, then syncs every owner.
func (d *Daemon) syncRound(ctx context.Context) {
	if d.owners != nil {
		if _, err := d.owners.Pull(ctx); err != nil {
			d.logger.Warn("owner pull incomplete", "error", err)
		}
		if _, err := d.owners.Push(ctx); err != nil {
			d.logger.Warn("owner push incomplete", "error", err)
		}
	}

	results, err := d.runner.SyncAll(ctx, d.config.SyncOptions)
	if err != nil {
		d.logger.Warn("sync round incomplete", "error", err)
	}
	if d.config.OnSyncRound != nil {
		d.config.OnSyncRound(results)
	}
}

func (d *Daemon) sweep(ctx context.Context) {
	report, err := d.health.RefreshAllFileHealth(ctx)
	if err != nil {
		d.logger.Warn("health sweep failed", "error", err)
		return
	}
	if d.config.OnHealthSweep != nil {
		d.config.OnHealthSweep(report)
	}
}
