// Package repository is the only writer of asset records and asset
// files.
//
// Every create keeps the filesystem and the store in step: bytes are
// staged, moved into place, and only then recorded. A failure at any step
// undoes the steps before it. State changes for one asset id are
// serialized by a keyed mutex and written as compare-and-set updates.
package repository

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/db"
	"github.com/clinicapture/mediasync/internal/media/schema"
)

// Store is the persistence the repository needs. *db.DB implements it.
type Store interface {
	GetOwner(ctx context.Context, id int64) (*schema.Owner, error)
	GetSession(ctx context.Context, id int64) (*schema.CaptureSession, error)

	InsertAsset(ctx context.Context, a schema.Asset) error
	GetAsset(ctx context.Context, id string) (schema.Asset, error)
	AssetExists(ctx context.Context, id string) (bool, error)
	FindAssetByRemoteFilename(ctx context.Context, filename string) (schema.Asset, error)
	ListAssets(ctx context.Context, filter db.AssetFilter) ([]schema.Asset, error)
	UpdateAssetState(ctx context.Context, id string, from, to schema.State, at time.Time) error
	AttachRemote(ctx context.Context, id string, info schema.RemoteInfo, at time.Time) error
	UpdateAssetFile(ctx context.Context, id, path string, size int64, checksum string, at time.Time) error
	DeleteAsset(ctx context.Context, id string) error
	CountAssetsByState(ctx context.Context, ownerID int64) (map[schema.State]int, error)
}

// StateChange describes one committed state transition.
type StateChange struct {
	AssetID string
	OwnerID int64
	From    schema.State
	To      schema.State
}

// Config holds the repository's directories and collaborators.
type Config struct {
	// MediaDir is the root of final asset storage. Required.
	MediaDir string
	// StagingDir receives bytes before they are moved into MediaDir
	// (default: <MediaDir>/.staging)
	StagingDir string
	// BackupDirs are searched for a missing file's base name during health checks
	BackupDirs []string
	// Fs is the filesystem (default: OS filesystem)
	Fs afero.Fs
	// Logger (default: no-op)
	Logger *logging.Logger
	// Now returns the current time (default: time.Now)
	Now func() time.Time
	// NewID generates canonical ids (default: schema.NewCanonicalID)
	NewID func() string
	// OnStateChange is called after every committed transition
	OnStateChange func(StateChange)
}

// Repository creates, transitions and deletes assets.
type Repository struct {
	store      Store
	fs         afero.Fs
	mediaDir   string
	stagingDir string
	backupDirs []string
	logger     *logging.Logger
	now        func() time.Time
	newID      func() string
	onChange   func(StateChange)
	locks      *keyedMutex
}

// New creates a repository and its storage directories.
func New(store Store, cfg Config) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MediaDir == "" {
		return nil, fmt.Errorf("media directory is required")
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(cfg.MediaDir, ".staging")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = schema.NewCanonicalID
	}

	for _, dir := range []string{cfg.MediaDir, cfg.StagingDir} {
		if err := cfg.Fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return &Repository{
		store:      store,
		fs:         cfg.Fs,
		mediaDir:   cfg.MediaDir,
		stagingDir: cfg.StagingDir,
		backupDirs: cfg.BackupDirs,
		logger:     logging.OrNop(cfg.Logger),
		now:        cfg.Now,
		newID:      cfg.NewID,
		onChange:   cfg.OnStateChange,
		locks:      newKeyedMutex(),
	}, nil
}

// SetStateObserver replaces the transition callback.
// It must be called before the repository is shared between goroutines.
func (r *Repository) SetStateObserver(fn func(StateChange)) {
	r.onChange = fn
}

// MediaDir returns the root of final asset storage.
func (r *Repository) MediaDir() string {
	return r.mediaDir
}

// GetAsset returns the asset with the given canonical id.
func (r *Repository) GetAsset(ctx context.Context, id string) (schema.Asset, error) {
	return r.store.GetAsset(ctx, id)
}

// FindByRemoteFilename returns the asset linked to a remote filename.
func (r *Repository) FindByRemoteFilename(ctx context.Context, filename string) (schema.Asset, error) {
	return r.store.FindAssetByRemoteFilename(ctx, filename)
}

// ListVisible returns the gallery view of one owner: visible states only,
// newest capture first.
func (r *Repository) ListVisible(ctx context.Context, ownerID int64) ([]schema.Asset, error) {
	return r.store.ListAssets(ctx, db.AssetFilter{
		OwnerID:     ownerID,
		States:      schema.VisibleStates(),
		NewestFirst: true,
	})
}

// ListByState returns one owner's assets in a state, oldest first.
// An ownerID of 0 lists across all owners.
func (r *Repository) ListByState(ctx context.Context, ownerID int64, state schema.State) ([]schema.Asset, error) {
	if !state.Valid() {
		return nil, schema.Invalidf("list by state", "unknown state %q", state)
	}
	return r.store.ListAssets(ctx, db.AssetFilter{
		OwnerID: ownerID,
		States:  []schema.State{state},
	})
}

// ListAll returns every asset of one owner (0 = all owners), oldest first.
func (r *Repository) ListAll(ctx context.Context, ownerID int64) ([]schema.Asset, error) {
	return r.store.ListAssets(ctx, db.AssetFilter{OwnerID: ownerID})
}

// Stats returns asset counts per state (ownerID 0 = all owners).
func (r *Repository) Stats(ctx context.Context, ownerID int64) (map[schema.State]int, error) {
	return r.store.CountAssetsByState(ctx, ownerID)
}

// Open opens the bytes of an asset for reading.
func (r *Repository) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	a, err := r.store.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.FilePath == "" {
		return nil, schema.NewError(schema.ErrNotFound, "open asset", id, fmt.Errorf("asset has no file"))
	}
	f, err := r.fs.Open(a.FilePath)
	if err != nil {
		return nil, schema.NewError(schema.ErrIOFailure, "open asset", id, err)
	}
	return f, nil
}

// DeleteAsset removes the asset's file and then its record.
func (r *Repository) DeleteAsset(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	a, err := r.store.GetAsset(ctx, id)
	if err != nil {
		return err
	}

	if a.FilePath != "" {
		if err := r.fs.Remove(a.FilePath); err != nil && !isNotExist(err) {
			return schema.NewError(schema.ErrIOFailure, "delete asset file", id, err)
		}
	}

	if err := r.store.DeleteAsset(ctx, id); err != nil {
		return err
	}

	r.logger.Info("asset deleted", "asset_id", id, "owner_id", a.OwnerID)
	return nil
}

func (r *Repository) notify(a schema.Asset, from schema.State) {
	if r.onChange == nil || from == a.State {
		return
	}
	r.onChange(StateChange{AssetID: a.ID, OwnerID: a.OwnerID, From: from, To: a.State})
}

// ownerDir is the final storage directory of one owner's assets.
func (r *Repository) ownerDir(ownerID int64) string {
	return filepath.Join(r.mediaDir, fmt.Sprintf("%d", ownerID))
}
