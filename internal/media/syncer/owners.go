package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/remote"
)

// OwnerSyncer keeps local and remote owner records aligned by business
// code. Both directions are best effort per owner.
type OwnerSyncer struct {
	local  OwnerStore
	remote RemoteOwners
	logger *logging.Logger
	now    func() time.Time
}

// NewOwnerSyncer creates an OwnerSyncer.
func NewOwnerSyncer(local OwnerStore, remoteOwners RemoteOwners, logger *logging.Logger) *OwnerSyncer {
	return &OwnerSyncer{
		local:  local,
		remote: remoteOwners,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Push upserts every local owner to the remote store.
func (s *OwnerSyncer) Push(ctx context.Context) (PhaseResult, error) {
	var result PhaseResult

	owners, err := s.local.ListOwners(ctx)
	if err != nil {
		return result, err
	}

	var errs []error
	for _, o := range owners {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, err := s.remote.UpsertOwner(ctx, remote.Owner{
			BusinessCode: o.BusinessCode,
			Name:         o.Name,
			Age:          o.Age,
			Phone:        o.Phone,
		})
		if err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("owner %d: %w", o.ID, err))
			s.logger.Warn("owner push failed", "owner_id", o.ID, "business_code", o.BusinessCode, "error", err)
			continue
		}
		result.Succeeded++
	}

	if len(errs) > 0 {
		return result, fmt.Errorf("%d of %d owners failed to push: %w", result.Failed, len(owners), errors.Join(errs...))
	}
	return result, nil
}

// Pull inserts every remote owner whose business code is unknown locally.
// Existing local owners are left untouched.
func (s *OwnerSyncer) Pull(ctx context.Context) (PhaseResult, error) {
	var result PhaseResult

	owners, err := s.remote.ListOwners(ctx, "")
	if err != nil {
		return result, err
	}

	var errs []error
	for _, ro := range owners {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.pullOne(ctx, ro); err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", ro.BusinessCode, err))
			s.logger.Warn("owner pull failed", "business_code", ro.BusinessCode, "error", err)
			continue
		}
		result.Succeeded++
	}

	if len(errs) > 0 {
		return result, fmt.Errorf("%d of %d owners failed to pull: %w", result.Failed, len(owners), errors.Join(errs...))
	}
	return result, nil
}

func (s *OwnerSyncer) pullOne(ctx context.Context, ro remote.Owner) error {
	code := strings.TrimSpace(ro.BusinessCode)
	if code == "" {
		code = schema.BusinessCode(ro.Name, ro.Age, ro.Phone)
	}

	_, err := s.local.GetOwnerByBusinessCode(ctx, code)
	if err == nil {
		return nil
	}
	if !errors.Is(err, schema.ErrNotFound) {
		return err
	}

	now := s.now()
	o := &schema.Owner{
		BusinessCode: code,
		Name:         strings.TrimSpace(ro.Name),
		Age:          ro.Age,
		Phone:        strings.TrimSpace(ro.Phone),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.local.InsertOwner(ctx, o); err != nil {
		return err
	}
	s.logger.Info("owner pulled", "owner_id", o.ID, "business_code", code)
	return nil
}
