// Package reconcile repairs duplicate owner records.
//
// Owners are keyed globally by business code, but nothing in the store
// prevents two rows with the same code: local and remote writers can
// race. The pass groups owners by code, keeps the oldest (lowest id) of
// each group, re-parents the others' assets and capture sessions to it,
// and deletes the others. It never talks to the remote store and is a
// no-op when there is nothing to merge.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/db"
	"github.com/clinicapture/mediasync/internal/media/schema"
)

// Store is the owner store the pass repairs. *db.DB implements it.
type Store interface {
	ListOwners(ctx context.Context) ([]*schema.Owner, error)
	WithTx(ctx context.Context, fn func(tx *db.Tx) error) error
}

// Merge records one duplicate folded into its canonical owner.
type Merge struct {
	BusinessCode  string `json:"business_code"`
	CanonicalID   int64  `json:"canonical_id"`
	DuplicateID   int64  `json:"duplicate_id"`
	AssetsMoved   int64  `json:"assets_moved"`
	SessionsMoved int64  `json:"sessions_moved"`
}

// Report summarizes a pass.
type Report struct {
	Groups int     `json:"groups"`
	Merges []Merge `json:"merges"`
	Failed int     `json:"failed"`
}

// AssetsMoved is the total number of re-parented assets.
func (r Report) AssetsMoved() int64 {
	var n int64
	for _, m := range r.Merges {
		n += m.AssetsMoved
	}
	return n
}

// Run executes one reconciliation pass.
//
// Each duplicate group is merged in its own transaction: a failing group
// is rolled back, logged and counted, and the other groups still merge.
// The returned error joins the group errors.
func Run(ctx context.Context, store Store, logger *logging.Logger) (Report, error) {
	logger = logging.OrNop(logger)
	var report Report

	owners, err := store.ListOwners(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list owners: %w", err)
	}

	groups := Duplicates(owners)
	report.Groups = len(groups)
	if len(groups) == 0 {
		logger.Debug("no duplicate owners")
		return report, nil
	}

	var errs []error
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		merges, err := mergeGroup(ctx, store, group)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("business code %s: %w", group[0].BusinessCode, err))
			logger.Warn("failed to merge duplicate owners",
				"business_code", group[0].BusinessCode,
				"canonical_id", group[0].ID,
				"error", err,
			)
			continue
		}
		report.Merges = append(report.Merges, merges...)
	}

	logger.Info("owner reconciliation finished",
		"groups", report.Groups,
		"merged", len(report.Merges),
		"assets_moved", report.AssetsMoved(),
		"failed", report.Failed,
	)
	return report, errors.Join(errs...)
}

// Duplicates groups owners by business code and returns only the groups
// with more than one member. Each group is sorted by id, so the first
// element is the canonical owner. Groups are ordered by canonical id.
func Duplicates(owners []*schema.Owner) [][]*schema.Owner {
	byCode := make(map[string][]*schema.Owner)
	for _, o := range owners {
		byCode[o.BusinessCode] = append(byCode[o.BusinessCode], o)
	}

	var groups [][]*schema.Owner
	for _, group := range byCode {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0].ID < groups[j][0].ID })
	return groups
}

func mergeGroup(ctx context.Context, store Store, group []*schema.Owner) ([]Merge, error) {
	canonical := group[0]
	var merges []Merge

	err := store.WithTx(ctx, func(tx *db.Tx) error {
		merges = merges[:0]
		now := time.Now()
		for _, dup := range group[1:] {
			assets, err := tx.ReassignAssets(ctx, dup.ID, canonical.ID, now)
			if err != nil {
				return err
			}
			sessions, err := tx.ReassignSessions(ctx, dup.ID, canonical.ID)
			if err != nil {
				return err
			}
			if err := tx.DeleteOwner(ctx, dup.ID); err != nil {
				return err
			}
			merges = append(merges, Merge{
				BusinessCode:  canonical.BusinessCode,
				CanonicalID:   canonical.ID,
				DuplicateID:   dup.ID,
				AssetsMoved:   assets,
				SessionsMoved: sessions,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merges, nil
}
