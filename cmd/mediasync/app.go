package main

import (
	"context"
	"errors"
	"io"

	"github.com/clinicapture/mediasync/internal/media/daemon"
	"github.com/clinicapture/mediasync/internal/media/db"
	"github.com/clinicapture/mediasync/internal/media/reconcile"
	"github.com/clinicapture/mediasync/internal/media/repository"
	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/media/syncer"
	"github.com/clinicapture/mediasync/internal/remote"
)

// app holds the process-wide collaborators: one store, one repository,
// one remote client and one runner. Commands build it once and close it
// on exit.
type app struct {
	store  *db.DB
	repo   *repository.Repository
	client *remote.Client // nil when no remote is configured

	sync   *syncer.Synchronizer
	owners *syncer.OwnerSyncer // nil when no remote is configured
	runner *daemon.Runner
}

// appOptions are the hooks the daemon command installs before startup.
type appOptions struct {
	onReconcile func(reconcile.Report)
}

// openApp wires the collaborators from the loaded config.
func openApp(ctx context.Context) (*app, error) {
	return openAppWith(ctx, appOptions{})
}

func openAppWith(ctx context.Context, opts appOptions) (*app, error) {
	store, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}

	repo, err := repository.New(store, repository.Config{
		MediaDir:   cfg.MediaDir(),
		BackupDirs: cfg.BackupDirs,
		Logger:     logger.With("component", "repository"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{store: store, repo: repo}

	var (
		uploader   syncer.Uploader = offlineUploader{}
		downloader syncer.Downloader
	)
	if cfg.RemoteEnabled() {
		client, err := remote.New(remote.Config{
			BaseURL:         cfg.Remote.BaseURL,
			Token:           cfg.Remote.Token,
			ClinicID:        cfg.Remote.ClinicID,
			Timeout:         cfg.Remote.Timeout,
			RetryMaxElapsed: cfg.Remote.RetryMaxElapsed,
			BreakerFailures: cfg.Remote.BreakerFailures,
			Logger:          logger.With("component", "remote"),
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		a.client = client
		uploader = client
		downloader = syncer.NewDownloader(client, repo, logger.With("component", "downloader"))
		a.owners = syncer.NewOwnerSyncer(store, client, logger.With("component", "owners"))
	}

	a.sync = syncer.NewSynchronizer(repo, store, uploader, downloader, logger.With("component", "sync"))

	runner, err := daemon.NewRunner(a.sync, repo, store, daemon.RunnerConfig{
		Concurrency: cfg.Sync.Concurrency,
		Logger:      logger.With("component", "runner"),
		OnReconcile: opts.onReconcile,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	a.runner = runner
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// mustOpenApp opens the app or exits.
func mustOpenApp(ctx context.Context) *app {
	a, err := openApp(ctx)
	if err != nil {
		fatal("%v", err)
	}
	return a
}

// ownerExchange returns the owner syncer as a daemon.OwnerExchange, or a
// nil interface when no remote is configured.
func (a *app) ownerExchange() daemon.OwnerExchange {
	if a.owners == nil {
		return nil
	}
	return a.owners
}

// requireRemote exits when no remote store is configured.
func (a *app) requireRemote() {
	if a.client == nil {
		fatal("no remote configured (set remote.base_url or MEDIASYNC_REMOTE_BASE_URL)")
	}
}

// offlineUploader fails every upload. It is used when no remote is
// configured.
type offlineUploader struct{}

func (offlineUploader) UploadAsset(ctx context.Context, businessCode string, a schema.Asset, content io.Reader) (remote.UploadResult, error) {
	return remote.UploadResult{}, schema.NewError(schema.ErrRemoteFailure, "upload", a.ID, errors.New("no remote configured"))
}
