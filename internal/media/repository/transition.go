package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/clinicapture/mediasync/internal/media/schema"
)

// TransitionState moves an asset to next if the state machine allows it.
func (r *Repository) TransitionState(ctx context.Context, id string, next schema.State) (schema.Asset, error) {
	unlock := r.locks.Lock(id)
	defer unlock()
	return r.transitionLocked(ctx, id, next)
}

func (r *Repository) transitionLocked(ctx context.Context, id string, next schema.State) (schema.Asset, error) {
	current, err := r.store.GetAsset(ctx, id)
	if err != nil {
		return schema.Asset{}, err
	}

	updated, err := current.WithState(next, r.now())
	if err != nil {
		return schema.Asset{}, err
	}

	if err := r.store.UpdateAssetState(ctx, id, current.State, next, updated.UpdatedAt); err != nil {
		return schema.Asset{}, err
	}

	r.logger.Debug("asset state changed", "asset_id", id, "from", current.State, "to", next)
	r.notify(updated, current.State)
	return updated, nil
}

// AttachRemoteMetadata records where the remote store keeps the asset and
// moves it from UPLOADING to SYNCED in one update.
func (r *Repository) AttachRemoteMetadata(ctx context.Context, id, remoteFilename, remoteURL string) (schema.Asset, error) {
	const op = "attach remote metadata"

	if strings.TrimSpace(remoteFilename) == "" || strings.TrimSpace(remoteURL) == "" {
		return schema.Asset{}, schema.Invalidf(op, "remote filename and url are required")
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	current, err := r.store.GetAsset(ctx, id)
	if err != nil {
		return schema.Asset{}, err
	}
	if current.State != schema.StateUploading {
		return schema.Asset{}, schema.NewError(schema.ErrInvalidTransition, op, id,
			fmt.Errorf("asset is %s, want %s", current.State, schema.StateUploading))
	}

	now := r.now()
	info := schema.RemoteInfo{Filename: remoteFilename, URL: remoteURL, UploadedAt: now}
	if prev := current.Remote; prev != nil && prev.Filename == remoteFilename && !prev.UploadedAt.IsZero() {
		// Re-confirming a known remote copy keeps its upload time.
		info.UploadedAt = prev.UploadedAt
	}
	updated, err := current.WithRemote(info, now).WithState(schema.StateSynced, now)
	if err != nil {
		return schema.Asset{}, err
	}

	if err := r.store.AttachRemote(ctx, id, info, now); err != nil {
		return schema.Asset{}, err
	}

	r.notify(updated, current.State)
	return updated, nil
}

// RollbackUploading returns every asset left in UPLOADING to DB_COMMITTED.
// It runs at startup, before any sync, to undo uploads interrupted by a
// crash. It returns the number of assets rolled back.
func (r *Repository) RollbackUploading(ctx context.Context) (int, error) {
	stuck, err := r.ListByState(ctx, 0, schema.StateUploading)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, a := range stuck {
		if _, err := r.TransitionState(ctx, a.ID, schema.StateDBCommitted); err != nil {
			r.logger.Warn("failed to roll back interrupted upload", "asset_id", a.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		r.logger.Info("rolled back interrupted uploads", "count", n)
	}
	return n, nil
}
