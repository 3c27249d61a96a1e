package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/clinicapture/mediasync/internal/media/schema"
)

// Owner is a patient record as the remote store keeps it.
type Owner struct {
	BusinessCode string `json:"business_code"`
	Name         string `json:"name"`
	Age          int    `json:"age"`
	Phone        string `json:"phone,omitempty"`
}

type listOwnersResponse struct {
	Owners []Owner `json:"owners"`
}

// UpsertOwner creates or updates the owner keyed by its business code.
func (c *Client) UpsertOwner(ctx context.Context, o Owner) (Owner, error) {
	body, err := json.Marshal(o)
	if err != nil {
		return Owner{}, schema.NewError(schema.ErrInvalidArgument, "upsert remote owner", o.BusinessCode, fmt.Errorf("failed to encode owner: %w", err))
	}

	var out Owner
	err = c.do(ctx, request{
		op:          "upsert remote owner",
		method:      http.MethodPut,
		path:        c.clinicPath("/owners/%s", url.PathEscape(o.BusinessCode)),
		contentType: "application/json",
		body:        body,
	}, &out)
	if err != nil {
		return Owner{}, err
	}
	if out.BusinessCode == "" {
		out = o
	}
	return out, nil
}

// ListOwners returns the clinic's owners. A non-empty query filters by
// name or business code on the server side.
func (c *Client) ListOwners(ctx context.Context, query string) ([]Owner, error) {
	p := c.clinicPath("/owners")
	if query != "" {
		p += "?q=" + url.QueryEscape(query)
	}
	var out listOwnersResponse
	if err := c.do(ctx, request{op: "list remote owners", method: http.MethodGet, path: p}, &out); err != nil {
		return nil, err
	}
	return out.Owners, nil
}
