package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/repository"
	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/remote"
)

// downloader implements Downloader.
type downloader struct {
	source RemoteSource
	assets Assets
	logger *logging.Logger
	now    func() time.Time
}

// NewDownloader creates a Downloader that stores remote assets through
// the repository.
//
// If logger is nil, logging is disabled.
func NewDownloader(source RemoteSource, assets Assets, logger *logging.Logger) Downloader {
	return &downloader{
		source: source,
		assets: assets,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// SyncRemoteAssets implements Downloader.SyncRemoteAssets.
func (d *downloader) SyncRemoteAssets(ctx context.Context, ownerID int64, businessCode string) (PhaseResult, error) {
	var result PhaseResult

	items, err := d.source.ListAssets(ctx, businessCode)
	if err != nil {
		return result, fmt.Errorf("failed to list remote assets: %w", err)
	}
	if len(items) == 0 {
		return result, nil
	}

	log := d.logger.With("owner_id", ownerID)
	var errs []error

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := d.syncOne(ctx, ownerID, item); err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", item.Filename, err))
			log.Warn("remote asset failed", "remote_filename", item.Filename, "remote_id", item.ID, "error", err)
			continue
		}
		result.Succeeded++
	}

	log.Info("download phase finished", "succeeded", result.Succeeded, "failed", result.Failed)

	if len(errs) > 0 {
		return result, fmt.Errorf("%d of %d remote assets failed: %w", result.Failed, len(items), errors.Join(errs...))
	}
	return result, nil
}

// syncOne stores one remote item unless the device already has it.
// Metadata is checked before the bytes are fetched.
func (d *downloader) syncOne(ctx context.Context, ownerID int64, item remote.Asset) error {
	if strings.TrimSpace(item.Filename) == "" {
		return schema.Invalidf("download remote asset", "remote item %q has no filename", item.ID)
	}

	found, err := d.existsLocally(ctx, item)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	id, deterministic := d.canonicalID(item)
	if !deterministic {
		d.logger.Debug("legacy remote filename, generated a random id",
			"remote_filename", item.Filename, "asset_id", id)
	}

	capturedAt, ok := ParseRemoteTime(item.CapturedAt)
	if !ok {
		capturedAt = d.now()
		if item.CapturedAt != "" {
			d.logger.Debug("unparsable remote capture time, using now",
				"remote_filename", item.Filename, "captured_at", item.CapturedAt)
		}
	}

	guided, dropped := remoteGuided(item.Arch, item.Sequence, item.GuidedSessionID)
	if dropped {
		d.logger.Debug("dropped unknown guided metadata", "remote_filename", item.Filename, "arch", item.Arch)
	}

	params := repository.RemoteParams{
		ID:             id,
		OwnerID:        ownerID,
		RemoteFilename: item.Filename,
		RemoteURL:      d.source.FileURL(item),
		MediaType:      MapRemoteMediaType(item.Type, item.Filename),
		Mode:           MapRemoteMode(item.Mode),
		CapturedAt:     capturedAt,
		Guided:         guided,
	}
	if err := d.assets.ValidateRemote(ctx, params); err != nil {
		return err
	}

	params.Data, err = d.source.FetchBytes(ctx, item)
	if err != nil {
		return err
	}

	_, _, err = d.assets.CreateRemoteAsset(ctx, params)
	return err
}

// existsLocally matches by the remote-supplied canonical id when there
// is one, otherwise by remote filename.
func (d *downloader) existsLocally(ctx context.Context, item remote.Asset) (bool, error) {
	var err error
	if id, perr := schema.ParseCanonicalID(item.ID); item.ID != "" && perr == nil {
		_, err = d.assets.GetAsset(ctx, id)
	} else {
		_, err = d.assets.FindByRemoteFilename(ctx, item.Filename)
	}

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, schema.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (d *downloader) canonicalID(item remote.Asset) (string, bool) {
	if item.ID != "" {
		if id, err := schema.ParseCanonicalID(item.ID); err == nil {
			return id, true
		}
	}
	return schema.CanonicalIDFromFilename(item.Filename)
}
