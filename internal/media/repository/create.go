package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/clinicapture/mediasync/internal/media/schema"
)

// CreateParams describes a local capture.
type CreateParams struct {
	OwnerID   int64
	SessionID *int64
	MediaType schema.MediaType
	Mode      schema.Mode
	// Filename is the name the capture source gave the bytes; only its
	// extension is kept.
	Filename string
	Guided   *schema.GuidedMeta
	Data     []byte
	// CapturedAt is the business time of the capture. Zero means: read
	// EXIF DateTime from the bytes, else use the current time.
	CapturedAt time.Time
}

// RemoteParams describes an asset pulled from the remote store.
type RemoteParams struct {
	ID             string
	OwnerID        int64
	RemoteFilename string
	RemoteURL      string
	Data           []byte
	MediaType      schema.MediaType
	Mode           schema.Mode
	CapturedAt     time.Time
	Guided         *schema.GuidedMeta
}

// CreateAsset stores the bytes of a local capture and records it in state
// DB_COMMITTED.
//
// Either the file is in its final location and the record exists, or
// neither is true. A canonical id that already exists fails with
// schema.ErrCollision; the caller retries.
func (r *Repository) CreateAsset(ctx context.Context, p CreateParams) (schema.Asset, error) {
	const op = "create asset"

	if err := r.validateCreate(ctx, p); err != nil {
		return schema.Asset{}, err
	}

	id := r.newID()
	if _, err := schema.ParseCanonicalID(id); err != nil {
		return schema.Asset{}, err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	exists, err := r.store.AssetExists(ctx, id)
	if err != nil {
		return schema.Asset{}, err
	}
	if exists {
		return schema.Asset{}, schema.NewError(schema.ErrCollision, op, id, nil)
	}

	now := r.now()
	capturedAt := p.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = now
		if p.MediaType == schema.MediaImage {
			if t, ok := schema.CaptureTimeFromEXIF(p.Data); ok {
				capturedAt = t
			}
		}
	}

	a := schema.Asset{
		ID:         id,
		OwnerID:    p.OwnerID,
		SessionID:  p.SessionID,
		State:      schema.StateCaptured,
		MediaType:  p.MediaType,
		Mode:       p.Mode,
		Guided:     normalizeGuided(p.Guided),
		CreatedAt:  now,
		UpdatedAt:  now,
		CapturedAt: capturedAt,
	}
	if err := a.Validate(schema.OriginLocal); err != nil {
		return schema.Asset{}, schema.NewError(schema.ErrInvalidArgument, op, id, err)
	}

	ext := filepath.Ext(p.Filename)
	if ext == "" {
		ext = a.Ext()
	}
	finalPath := filepath.Join(r.ownerDir(p.OwnerID), schema.StorageName(id, ext))

	if err := r.placeFile(id, finalPath, p.Data); err != nil {
		return schema.Asset{}, err
	}
	if a, err = a.WithState(schema.StateFileReady, now); err != nil {
		r.removeQuietly(finalPath)
		return schema.Asset{}, err
	}
	a = a.WithFile(finalPath, int64(len(p.Data)), checksum(p.Data), now)

	if a, err = a.WithState(schema.StateDBCommitted, now); err != nil {
		r.removeQuietly(finalPath)
		return schema.Asset{}, err
	}

	if err := r.store.InsertAsset(ctx, a); err != nil {
		r.removeQuietly(finalPath)
		return schema.Asset{}, err
	}

	r.logger.Info("asset created",
		"asset_id", a.ID,
		"owner_id", a.OwnerID,
		"media_type", a.MediaType,
		"size", a.FileSize,
	)
	r.notify(a, schema.StateCaptured)
	return a, nil
}

func (r *Repository) validateCreate(ctx context.Context, p CreateParams) error {
	const op = "create asset"

	if p.OwnerID <= 0 {
		return schema.Invalidf(op, "owner id must be positive (got %d)", p.OwnerID)
	}
	if p.SessionID != nil && *p.SessionID <= 0 {
		return schema.Invalidf(op, "session id must be positive (got %d)", *p.SessionID)
	}
	if !p.MediaType.Valid() {
		return schema.Invalidf(op, "unknown media type %q", p.MediaType)
	}
	if !p.Mode.Valid() {
		return schema.Invalidf(op, "unknown capture mode %q", p.Mode)
	}
	if err := p.Guided.Validate(schema.OriginLocal); err != nil {
		return schema.Invalidf(op, "%v", err)
	}
	if len(p.Data) == 0 {
		return schema.Invalidf(op, "capture bytes are empty")
	}

	if _, err := r.store.GetOwner(ctx, p.OwnerID); err != nil {
		return err
	}
	if p.SessionID != nil {
		s, err := r.store.GetSession(ctx, *p.SessionID)
		if err != nil {
			return err
		}
		if s.OwnerID != p.OwnerID {
			return schema.Invalidf(op, "session %d belongs to owner %d, not %d", s.ID, s.OwnerID, p.OwnerID)
		}
	}
	return nil
}

// CreateRemoteAsset records an asset downloaded from the remote store in
// state DOWNLOADED.
//
// It is idempotent on the canonical id: if a record already exists it is
// returned unchanged with created == false and no file is written.
func (r *Repository) CreateRemoteAsset(ctx context.Context, p RemoteParams) (a schema.Asset, created bool, err error) {
	const op = "create remote asset"

	id, err := schema.ParseCanonicalID(p.ID)
	if err != nil {
		return schema.Asset{}, false, err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	existing, err := r.store.GetAsset(ctx, id)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, schema.ErrNotFound) {
		return schema.Asset{}, false, err
	}

	if err := r.validateRemote(ctx, op, p); err != nil {
		return schema.Asset{}, false, err
	}
	if len(p.Data) == 0 {
		return schema.Asset{}, false, schema.Invalidf(op, "remote bytes are empty")
	}

	now := r.now()
	capturedAt := p.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = now
	}

	a = schema.Asset{
		ID:         id,
		OwnerID:    p.OwnerID,
		State:      schema.StateDownloaded,
		MediaType:  p.MediaType,
		Mode:       p.Mode,
		Guided:     normalizeGuided(p.Guided),
		CreatedAt:  now,
		UpdatedAt:  now,
		CapturedAt: capturedAt,
		Remote: &schema.RemoteInfo{
			Filename:   p.RemoteFilename,
			URL:        p.RemoteURL,
			UploadedAt: now,
		},
	}
	if err := a.Validate(schema.OriginRemote); err != nil {
		return schema.Asset{}, false, schema.NewError(schema.ErrInvalidArgument, op, id, err)
	}

	ext := filepath.Ext(p.RemoteFilename)
	if ext == "" {
		ext = a.Ext()
	}
	finalPath := filepath.Join(r.ownerDir(p.OwnerID), schema.StorageName(id, ext))
	if err := r.placeFile(id, finalPath, p.Data); err != nil {
		return schema.Asset{}, false, err
	}
	a = a.WithFile(finalPath, int64(len(p.Data)), checksum(p.Data), now)

	if err := r.store.InsertAsset(ctx, a); err != nil {
		r.removeQuietly(finalPath)
		return schema.Asset{}, false, err
	}

	r.logger.Info("remote asset stored",
		"asset_id", a.ID,
		"owner_id", a.OwnerID,
		"remote_filename", p.RemoteFilename,
	)
	r.notify(a, "")
	return a, true, nil
}

// ValidateRemote runs the checks of CreateRemoteAsset that do not need
// the bytes. Data is ignored.
func (r *Repository) ValidateRemote(ctx context.Context, p RemoteParams) error {
	const op = "create remote asset"
	if _, err := schema.ParseCanonicalID(p.ID); err != nil {
		return err
	}
	return r.validateRemote(ctx, op, p)
}

func (r *Repository) validateRemote(ctx context.Context, op string, p RemoteParams) error {
	if p.OwnerID <= 0 {
		return schema.Invalidf(op, "owner id must be positive (got %d)", p.OwnerID)
	}
	if strings.TrimSpace(p.RemoteFilename) == "" {
		return schema.Invalidf(op, "remote filename is required")
	}
	if strings.TrimSpace(p.RemoteURL) == "" {
		return schema.Invalidf(op, "remote url is required")
	}
	if _, err := r.store.GetOwner(ctx, p.OwnerID); err != nil {
		return err
	}
	return nil
}

// placeFile writes data to the staging area and renames it to dst.
// On failure nothing is left at dst or in staging.
func (r *Repository) placeFile(id, dst string, data []byte) error {
	staging := filepath.Join(r.stagingDir, id+".tmp")

	if err := afero.WriteFile(r.fs, staging, data, 0644); err != nil {
		r.removeQuietly(staging)
		return schema.NewError(schema.ErrIOFailure, "write staging file", id, err)
	}

	if err := r.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		r.removeQuietly(staging)
		return schema.NewError(schema.ErrIOFailure, "create media directory", id, err)
	}

	if err := r.fs.Rename(staging, dst); err != nil {
		r.removeQuietly(staging)
		return schema.NewError(schema.ErrIOFailure, "move file into place", id, err)
	}
	return nil
}

func (r *Repository) removeQuietly(path string) {
	if err := r.fs.Remove(path); err != nil && !isNotExist(err) {
		r.logger.Warn("failed to clean up file", "path", path, "error", err)
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeGuided(g *schema.GuidedMeta) *schema.GuidedMeta {
	if g.IsZero() {
		return nil
	}
	out := *g
	out.SessionID = strings.TrimSpace(out.SessionID)
	return &out
}
