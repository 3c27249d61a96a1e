// Package syncer moves assets between the device and the remote store.
package syncer

import (
	"context"
	"io"

	"github.com/clinicapture/mediasync/internal/media/repository"
	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/remote"
)

// PhaseResult counts the items one phase handled.
type PhaseResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Total is Succeeded + Failed.
func (r PhaseResult) Total() int {
	return r.Succeeded + r.Failed
}

// Downloader pulls the remote assets of one owner that the device is
// missing.
//
// Implementations are best effort: a failing item is logged and counted
// and the remaining items are still processed. The returned PhaseResult
// is valid even when the error is not nil.
type Downloader interface {
	// SyncRemoteAssets lists the owner's remote assets and stores every
	// one that has no local record.
	//
	// Returns an error if the remote list cannot be fetched, or if at
	// least one item failed (the error joins the per-item errors).
	//
	// Example:
	//   res, err := d.SyncRemoteAssets(ctx, owner.ID, owner.BusinessCode)
	SyncRemoteAssets(ctx context.Context, ownerID int64, businessCode string) (PhaseResult, error)
}

// Uploader sends the bytes of one local asset to the remote store.
// *remote.Client implements it.
type Uploader interface {
	UploadAsset(ctx context.Context, businessCode string, a schema.Asset, content io.Reader) (remote.UploadResult, error)
}

// RemoteSource lists and fetches remote assets. *remote.Client implements it.
type RemoteSource interface {
	ListAssets(ctx context.Context, businessCode string) ([]remote.Asset, error)
	FetchBytes(ctx context.Context, a remote.Asset) ([]byte, error)
	// FileURL is the location FetchBytes reads from.
	FileURL(a remote.Asset) string
}

// Assets is the part of the repository the sync engine drives.
// *repository.Repository implements it.
type Assets interface {
	GetAsset(ctx context.Context, id string) (schema.Asset, error)
	FindByRemoteFilename(ctx context.Context, filename string) (schema.Asset, error)
	ListByState(ctx context.Context, ownerID int64, state schema.State) ([]schema.Asset, error)
	TransitionState(ctx context.Context, id string, next schema.State) (schema.Asset, error)
	AttachRemoteMetadata(ctx context.Context, id, remoteFilename, remoteURL string) (schema.Asset, error)
	ValidateRemote(ctx context.Context, p repository.RemoteParams) error
	CreateRemoteAsset(ctx context.Context, p repository.RemoteParams) (schema.Asset, bool, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
}

// OwnerStore is the local owner table. *db.DB implements it.
type OwnerStore interface {
	GetOwner(ctx context.Context, id int64) (*schema.Owner, error)
	GetOwnerByBusinessCode(ctx context.Context, code string) (*schema.Owner, error)
	ListOwners(ctx context.Context) ([]*schema.Owner, error)
	InsertOwner(ctx context.Context, o *schema.Owner) (int64, error)
}

// RemoteOwners is the remote owner API. *remote.Client implements it.
type RemoteOwners interface {
	UpsertOwner(ctx context.Context, o remote.Owner) (remote.Owner, error)
	ListOwners(ctx context.Context, query string) ([]remote.Owner, error)
}
