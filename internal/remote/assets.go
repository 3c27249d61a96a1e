package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/clinicapture/mediasync/internal/media/schema"
)

// Asset is one item of the remote asset list. Vocabulary (type, mode)
// is the remote's own and must be mapped before local use.
type Asset struct {
	// ID is the canonical id; empty for legacy items
	ID              string `json:"id,omitempty"`
	Filename        string `json:"filename"`
	Type            string `json:"type"`
	Mode            string `json:"mode"`
	CapturedAt      string `json:"captured_at,omitempty"`
	Arch            string `json:"arch,omitempty"`
	Sequence        *int   `json:"sequence,omitempty"`
	GuidedSessionID string `json:"guided_session_id,omitempty"`
	URL             string `json:"url"`
}

// UploadResult is the remote location of an uploaded asset.
type UploadResult struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type listAssetsResponse struct {
	Assets []Asset `json:"assets"`
}

// ListAssets returns every remote asset of the owner with the given
// business code.
func (c *Client) ListAssets(ctx context.Context, businessCode string) ([]Asset, error) {
	var out listAssetsResponse
	err := c.do(ctx, request{
		op:     "list remote assets",
		method: http.MethodGet,
		path:   c.clinicPath("/owners/%s/assets", url.PathEscape(businessCode)),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Assets, nil
}

// FileURL returns the location FetchBytes reads a from: its URL, or the
// clinic file path derived from its filename when the server sent none.
func (c *Client) FileURL(a Asset) string {
	if a.URL != "" {
		return a.URL
	}
	return c.clinicPath("/files/%s", url.PathEscape(a.Filename))
}

// FetchBytes downloads the content of a remote asset.
func (c *Client) FetchBytes(ctx context.Context, a Asset) ([]byte, error) {
	data, err := c.doRaw(ctx, request{
		op:     "fetch remote asset",
		method: http.MethodGet,
		path:   c.FileURL(a),
	})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, schema.NewError(schema.ErrRemoteFailure, "fetch remote asset", a.Filename, fmt.Errorf("empty body"))
	}
	return data, nil
}

// UploadAsset sends the bytes of a local asset to the remote store. The
// canonical id travels with the upload so a repeated upload lands on the
// same remote item.
func (c *Client) UploadAsset(ctx context.Context, businessCode string, a schema.Asset, content io.Reader) (UploadResult, error) {
	const op = "upload asset"

	data, err := io.ReadAll(content)
	if err != nil {
		return UploadResult{}, schema.NewError(schema.ErrIOFailure, op, a.ID, err)
	}

	q := url.Values{}
	q.Set("id", a.ID)
	q.Set("filename", schema.StorageName(a.ID, filepath.Ext(a.FilePath)))
	q.Set("type", string(a.MediaType))
	q.Set("mode", string(a.Mode))
	q.Set("captured_at", a.CapturedAt.UTC().Format(time.RFC3339))
	if a.Guided != nil {
		if a.Guided.Arch != nil {
			q.Set("arch", string(*a.Guided.Arch))
		}
		if a.Guided.Sequence != nil {
			q.Set("sequence", strconv.Itoa(*a.Guided.Sequence))
		}
		if a.Guided.SessionID != "" {
			q.Set("guided_session_id", a.Guided.SessionID)
		}
	}

	var out UploadResult
	err = c.do(ctx, request{
		op:          op,
		method:      http.MethodPost,
		path:        c.clinicPath("/owners/%s/assets", url.PathEscape(businessCode)) + "?" + q.Encode(),
		contentType: "application/octet-stream",
		body:        data,
	}, &out)
	if err != nil {
		return UploadResult{}, err
	}
	if out.Filename == "" || out.URL == "" {
		return UploadResult{}, schema.NewError(schema.ErrRemoteFailure, op, a.ID, fmt.Errorf("response missing filename or url"))
	}
	return out, nil
}
