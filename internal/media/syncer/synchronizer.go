package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/schema"
)

// Phase names a step of a two-phase sync.
type Phase string

const (
	PhaseUpload   Phase = "upload"
	PhaseDownload Phase = "download"
	PhaseDone     Phase = "done"
)

// Options are the optional callbacks of one sync. Leaving them nil
// changes nothing else.
type Options struct {
	// OnProgress is called after each upload with (current, total)
	OnProgress func(current, total int)
	// OnPhase is called when a phase starts, and with PhaseDone at the end
	OnPhase func(Phase)
}

func (o Options) progress(current, total int) {
	if o.OnProgress != nil {
		o.OnProgress(current, total)
	}
}

func (o Options) phase(p Phase) {
	if o.OnPhase != nil {
		o.OnPhase(p)
	}
}

// Result is the outcome of a two-phase sync.
type Result struct {
	OwnerID  int64       `json:"owner_id"`
	Upload   PhaseResult `json:"upload"`
	Download PhaseResult `json:"download"`
	// DownloadSkipped is true when the upload phase failed
	DownloadSkipped bool `json:"download_skipped"`
	// DownloadErr records download failures; they do not fail the sync
	DownloadErr error `json:"-"`
	Success     bool  `json:"success"`
}

// Synchronizer runs the upload-then-download sync of one owner.
type Synchronizer struct {
	assets     Assets
	owners     OwnerStore
	uploader   Uploader
	downloader Downloader
	logger     *logging.Logger
}

// NewSynchronizer creates a Synchronizer. A nil downloader disables the
// download phase.
func NewSynchronizer(assets Assets, owners OwnerStore, uploader Uploader, downloader Downloader, logger *logging.Logger) *Synchronizer {
	return &Synchronizer{
		assets:     assets,
		owners:     owners,
		uploader:   uploader,
		downloader: downloader,
		logger:     logging.OrNop(logger),
	}
}

// Sync runs both phases for one owner, one asset at a time.
//
// Any upload failure fails the sync and skips the download phase.
// Download failures are recorded in Result.DownloadErr and the sync
// still succeeds. Cancelling ctx stops the sync between assets.
func (s *Synchronizer) Sync(ctx context.Context, ownerID int64, opts Options) (Result, error) {
	result := Result{OwnerID: ownerID}

	owner, err := s.owners.GetOwner(ctx, ownerID)
	if err != nil {
		return result, err
	}
	log := s.logger.With("owner_id", ownerID)

	opts.phase(PhaseUpload)
	upload, err := s.uploadPhase(ctx, owner, opts)
	result.Upload = upload
	if err != nil {
		result.DownloadSkipped = true
		log.Warn("upload phase failed, skipping download", "succeeded", upload.Succeeded, "failed", upload.Failed, "error", err)
		opts.phase(PhaseDone)
		return result, err
	}

	if s.downloader != nil {
		opts.phase(PhaseDownload)
		download, err := s.downloader.SyncRemoteAssets(ctx, owner.ID, owner.BusinessCode)
		result.Download = download
		if err != nil {
			result.DownloadErr = err
			log.Warn("download phase had failures", "succeeded", download.Succeeded, "failed", download.Failed, "error", err)
		}
	}

	result.Success = true
	opts.phase(PhaseDone)
	log.Info("sync finished",
		"uploaded", result.Upload.Succeeded,
		"downloaded", result.Download.Succeeded,
		"download_failed", result.Download.Failed,
	)
	return result, nil
}

// uploadPhase uploads every DB_COMMITTED asset of the owner, oldest first.
func (s *Synchronizer) uploadPhase(ctx context.Context, owner *schema.Owner, opts Options) (PhaseResult, error) {
	var result PhaseResult

	pending, err := s.assets.ListByState(ctx, owner.ID, schema.StateDBCommitted)
	if err != nil {
		return result, fmt.Errorf("failed to list pending uploads: %w", err)
	}

	var errs []error
	for i, a := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := s.uploadOne(ctx, owner, a); err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", a.ID, err))
			s.logger.Warn("upload failed", "asset_id", a.ID, "owner_id", owner.ID, "error", err)
		} else {
			result.Succeeded++
		}
		opts.progress(i+1, len(pending))
	}

	if len(errs) > 0 {
		return result, fmt.Errorf("upload phase: %d of %d assets failed: %w", result.Failed, len(pending), errors.Join(errs...))
	}
	return result, nil
}

// uploadOne moves one asset DB_COMMITTED -> UPLOADING -> SYNCED, or back
// to DB_COMMITTED on failure.
func (s *Synchronizer) uploadOne(ctx context.Context, owner *schema.Owner, a schema.Asset) error {
	if _, err := s.assets.TransitionState(ctx, a.ID, schema.StateUploading); err != nil {
		return err
	}

	filename, url, err := s.send(ctx, owner, a)
	if err == nil {
		_, err = s.assets.AttachRemoteMetadata(ctx, a.ID, filename, url)
	}
	if err != nil {
		// Roll back even if ctx was cancelled so nothing stays UPLOADING.
		if _, rbErr := s.assets.TransitionState(context.WithoutCancel(ctx), a.ID, schema.StateDBCommitted); rbErr != nil {
			s.logger.Error("failed to roll back upload", "asset_id", a.ID, "error", rbErr)
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

// send returns the remote location of the asset, uploading its bytes
// unless it already has a remote copy.
func (s *Synchronizer) send(ctx context.Context, owner *schema.Owner, a schema.Asset) (filename, url string, err error) {
	if a.Remote != nil {
		return a.Remote.Filename, a.Remote.URL, nil
	}
	if s.uploader == nil {
		return "", "", schema.NewError(schema.ErrRemoteFailure, "upload asset", a.ID, fmt.Errorf("no uploader configured"))
	}

	content, err := s.assets.Open(ctx, a.ID)
	if err != nil {
		return "", "", err
	}
	defer content.Close()

	res, err := s.uploader.UploadAsset(ctx, owner.BusinessCode, a, content)
	if err != nil {
		return "", "", err
	}
	return res.Filename, res.URL, nil
}
