package repository

import (
	"context"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/clinicapture/mediasync/internal/media/schema"
)

type fileStatus int

const (
	fileOK fileStatus = iota
	fileAbsent
	fileUnreadable
)

// HealthReport summarizes a RefreshAllFileHealth sweep.
type HealthReport struct {
	Checked   int `json:"checked"`
	Missing   int `json:"missing"`
	Recovered int `json:"recovered"`
	Corrupt   int `json:"corrupt"`
	Failed    int `json:"failed"`
}

// RefreshFileHealth re-checks the file behind an asset and moves the asset
// to match what is on disk:
//
//   - file gone: restore from a backup dir if one has it, else FILE_MISSING
//   - file empty or unreadable: CORRUPT
//   - file readable again while FILE_MISSING: DB_COMMITTED
//
// Transitions the state machine does not permit from the current state
// are skipped, not forced.
func (r *Repository) RefreshFileHealth(ctx context.Context, id string) (schema.Asset, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	a, err := r.store.GetAsset(ctx, id)
	if err != nil {
		return schema.Asset{}, err
	}
	if a.FilePath == "" {
		return a, nil
	}

	status := r.checkFile(a.FilePath)
	if status == fileAbsent {
		restored, err := r.restoreFromBackup(ctx, a)
		if err != nil {
			r.logger.Warn("backup restore failed", "asset_id", id, "error", err)
		} else if restored {
			status = r.checkFile(a.FilePath)
		}
	}

	var next schema.State
	switch status {
	case fileOK:
		if a.State == schema.StateFileMissing {
			next = schema.StateDBCommitted
		}
	case fileAbsent:
		next = schema.StateFileMissing
	case fileUnreadable:
		next = schema.StateCorrupt
	}

	if next == "" || next == a.State || !a.State.CanTransition(next) {
		return a, nil
	}

	updated, err := r.transitionLocked(ctx, id, next)
	if err != nil {
		return schema.Asset{}, err
	}

	switch next {
	case schema.StateDBCommitted:
		r.logger.Info("asset file recovered", "asset_id", id)
	default:
		r.logger.Warn("asset file unhealthy", "asset_id", id, "state", next, "path", a.FilePath)
	}
	return updated, nil
}

// RefreshAllFileHealth runs RefreshFileHealth for every asset with a file.
// Per-asset errors are counted and logged; the sweep continues.
func (r *Repository) RefreshAllFileHealth(ctx context.Context) (HealthReport, error) {
	var report HealthReport

	assets, err := r.ListAll(ctx, 0)
	if err != nil {
		return report, err
	}

	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if a.FilePath == "" {
			continue
		}
		report.Checked++

		updated, err := r.RefreshFileHealth(ctx, a.ID)
		if err != nil {
			report.Failed++
			r.logger.Warn("health check failed", "asset_id", a.ID, "error", err)
			continue
		}
		if updated.State == a.State {
			continue
		}
		switch updated.State {
		case schema.StateFileMissing:
			report.Missing++
		case schema.StateCorrupt:
			report.Corrupt++
		case schema.StateDBCommitted:
			report.Recovered++
		}
	}

	r.logger.Info("health sweep finished",
		"checked", report.Checked,
		"missing", report.Missing,
		"recovered", report.Recovered,
		"corrupt", report.Corrupt,
		"failed", report.Failed,
	)
	return report, nil
}

// checkFile reports whether path exists, is non-empty and can be read.
func (r *Repository) checkFile(path string) fileStatus {
	info, err := r.fs.Stat(path)
	if err != nil {
		if isNotExist(err) {
			return fileAbsent
		}
		return fileUnreadable
	}
	if info.IsDir() || info.Size() == 0 {
		return fileUnreadable
	}

	f, err := r.fs.Open(path)
	if err != nil {
		return fileUnreadable
	}
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil && err != io.EOF {
		return fileUnreadable
	}
	return fileOK
}

// restoreFromBackup copies a file with the same base name from the first
// backup dir that has a healthy one. The copy is staged and renamed into
// place.
func (r *Repository) restoreFromBackup(ctx context.Context, a schema.Asset) (bool, error) {
	name := filepath.Base(a.FilePath)

	for _, dir := range r.backupDirs {
		src := filepath.Join(dir, name)
		if r.checkFile(src) != fileOK {
			continue
		}

		data, err := afero.ReadFile(r.fs, src)
		if err != nil {
			return false, schema.NewError(schema.ErrIOFailure, "read backup", a.ID, err)
		}
		if err := r.placeFile(a.ID, a.FilePath, data); err != nil {
			return false, err
		}

		if sum := checksum(data); sum != a.Checksum || int64(len(data)) != a.FileSize {
			if err := r.store.UpdateAssetFile(ctx, a.ID, a.FilePath, int64(len(data)), sum, r.now()); err != nil {
				return true, err
			}
		}

		r.logger.Info("asset file restored from backup", "asset_id", a.ID, "backup_dir", dir)
		return true, nil
	}
	return false, nil
}
