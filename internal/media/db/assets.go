package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinicapture/mediasync/internal/media/schema"
)

const assetColumns = `id, owner_id, session_id, state, file_path, file_size, checksum,
	media_type, mode, remote_filename, remote_url, uploaded_at,
	arch, sequence, guided_session_id, created_at, updated_at, captured_at`

// AssetFilter configures ListAssets.
type AssetFilter struct {
	// OwnerID restricts results to one owner (0 = all owners)
	OwnerID int64
	// States restricts results to the given states (empty = all states)
	States []schema.State
	// NewestFirst orders by captured_at descending; otherwise created_at ascending
	NewestFirst bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// InsertAsset inserts a new asset row.
//
// A primary key clash returns schema.ErrCollision; the existing row is
// never overwritten.
func (q queries) InsertAsset(ctx context.Context, a schema.Asset) error {
	var sessionID sql.NullInt64
	if a.SessionID != nil {
		sessionID = sql.NullInt64{Int64: *a.SessionID, Valid: true}
	}

	var remoteFilename, remoteURL, uploadedAt sql.NullString
	if a.Remote != nil {
		remoteFilename = sql.NullString{String: a.Remote.Filename, Valid: true}
		remoteURL = sql.NullString{String: a.Remote.URL, Valid: true}
		uploadedAt = timeToNullString(&a.Remote.UploadedAt)
	}

	var arch, guidedSession sql.NullString
	var sequence sql.NullInt64
	if a.Guided != nil {
		if a.Guided.Arch != nil {
			arch = sql.NullString{String: string(*a.Guided.Arch), Valid: true}
		}
		if a.Guided.Sequence != nil {
			sequence = sql.NullInt64{Int64: int64(*a.Guided.Sequence), Valid: true}
		}
		guidedSession = stringToNull(a.Guided.SessionID)
	}

	query := `
	INSERT INTO assets (` + assetColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ex.ExecContext(ctx, query,
		a.ID,
		a.OwnerID,
		sessionID,
		string(a.State),
		stringToNull(a.FilePath),
		a.FileSize,
		stringToNull(a.Checksum),
		string(a.MediaType),
		string(a.Mode),
		remoteFilename,
		remoteURL,
		uploadedAt,
		arch,
		sequence,
		guidedSession,
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
		formatTime(a.CapturedAt),
	)
	if err != nil {
		if isConstraint(err) {
			return schema.NewError(schema.ErrCollision, "insert asset", a.ID, err)
		}
		return fmt.Errorf("failed to insert asset %s: %w", a.ID, err)
	}
	return nil
}

// GetAsset retrieves a single asset by canonical id.
// Returns an error wrapping schema.ErrNotFound if there is no such asset.
func (q queries) GetAsset(ctx context.Context, id string) (schema.Asset, error) {
	row := q.ex.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Asset{}, schema.NewError(schema.ErrNotFound, "get asset", id, nil)
	}
	if err != nil {
		return schema.Asset{}, fmt.Errorf("failed to get asset %s: %w", id, err)
	}
	return a, nil
}

// AssetExists reports whether an asset with the given id is stored.
func (q queries) AssetExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := q.ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check asset %s: %w", id, err)
	}
	return n > 0, nil
}

// FindAssetByRemoteFilename returns the oldest asset linked to the given
// remote filename, or schema.ErrNotFound.
func (q queries) FindAssetByRemoteFilename(ctx context.Context, filename string) (schema.Asset, error) {
	row := q.ex.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE remote_filename = ? ORDER BY created_at ASC LIMIT 1`,
		filename)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Asset{}, schema.NewError(schema.ErrNotFound, "find asset by remote filename", filename, nil)
	}
	if err != nil {
		return schema.Asset{}, fmt.Errorf("failed to find asset by remote filename %s: %w", filename, err)
	}
	return a, nil
}

// ListAssets retrieves assets matching the filter.
func (q queries) ListAssets(ctx context.Context, filter AssetFilter) ([]schema.Asset, error) {
	var conditions []string
	var args []any

	if filter.OwnerID != 0 {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, s := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		conditions = append(conditions, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + assetColumns + ` FROM assets`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	if filter.NewestFirst {
		query += " ORDER BY captured_at DESC, id ASC"
	} else {
		query += " ORDER BY created_at ASC, id ASC"
	}

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []schema.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, nil
}

// UpdateAssetState moves an asset from one state to another.
//
// The update is a compare-and-set on from: if the stored state differs,
// nothing is written and an error wrapping schema.ErrInvalidTransition is
// returned. A missing asset returns schema.ErrNotFound.
func (q queries) UpdateAssetState(ctx context.Context, id string, from, to schema.State, at time.Time) error {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE assets SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update state of asset %s: %w", id, err)
	}
	return q.checkCAS(ctx, res, id, from, "update asset state")
}

// AttachRemote stores the remote linkage and moves the asset from
// UPLOADING to SYNCED in one statement.
func (q queries) AttachRemote(ctx context.Context, id string, info schema.RemoteInfo, at time.Time) error {
	res, err := q.ex.ExecContext(ctx, `
		UPDATE assets
		SET remote_filename = ?, remote_url = ?, uploaded_at = ?, state = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		info.Filename, info.URL, formatTime(info.UploadedAt),
		string(schema.StateSynced), formatTime(at),
		id, string(schema.StateUploading))
	if err != nil {
		return fmt.Errorf("failed to attach remote metadata to asset %s: %w", id, err)
	}
	return q.checkCAS(ctx, res, id, schema.StateUploading, "attach remote metadata")
}

// UpdateAssetFile points an asset at a new file.
func (q queries) UpdateAssetFile(ctx context.Context, id, path string, size int64, checksum string, at time.Time) error {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE assets SET file_path = ?, file_size = ?, checksum = ?, updated_at = ? WHERE id = ?`,
		stringToNull(path), size, stringToNull(checksum), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update file of asset %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update file of asset %s: %w", id, err)
	}
	if n == 0 {
		return schema.NewError(schema.ErrNotFound, "update asset file", id, nil)
	}
	return nil
}

// ReassignAssets moves every asset of one owner to another and returns
// how many rows moved.
func (q queries) ReassignAssets(ctx context.Context, fromOwner, toOwner int64, at time.Time) (int64, error) {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE assets SET owner_id = ?, updated_at = ? WHERE owner_id = ?`,
		toOwner, formatTime(at), fromOwner)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign assets %d -> %d: %w", fromOwner, toOwner, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to reassign assets %d -> %d: %w", fromOwner, toOwner, err)
	}
	return n, nil
}

// DeleteAsset removes an asset row. Returns nil if it doesn't exist.
func (q queries) DeleteAsset(ctx context.Context, id string) error {
	if _, err := q.ex.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete asset %s: %w", id, err)
	}
	return nil
}

// CountAssetsByState returns asset counts keyed by state, optionally for one owner.
func (q queries) CountAssetsByState(ctx context.Context, ownerID int64) (map[schema.State]int, error) {
	query := `SELECT state, COUNT(*) FROM assets`
	var args []any
	if ownerID != 0 {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` GROUP BY state`

	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count assets: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan asset count: %w", err)
		}
		counts[schema.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating asset counts: %w", err)
	}
	return counts, nil
}

// checkCAS turns a zero-row update into NotFound or InvalidTransition.
func (q queries) checkCAS(ctx context.Context, res sql.Result, id string, from schema.State, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = q.ex.QueryRowContext(ctx, `SELECT state FROM assets WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.NewError(schema.ErrNotFound, op, id, nil)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return schema.NewError(schema.ErrInvalidTransition, op, id,
		fmt.Errorf("expected state %s, found %s", from, current))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (schema.Asset, error) {
	var (
		a                                     schema.Asset
		state, mediaType, mode                string
		sessionID, sequence                   sql.NullInt64
		filePath, checksum                    sql.NullString
		remoteFilename, remoteURL, uploadedAt sql.NullString
		arch, guidedSession                   sql.NullString
		createdAt, updatedAt, capturedAt      string
	)

	err := row.Scan(
		&a.ID,
		&a.OwnerID,
		&sessionID,
		&state,
		&filePath,
		&a.FileSize,
		&checksum,
		&mediaType,
		&mode,
		&remoteFilename,
		&remoteURL,
		&uploadedAt,
		&arch,
		&sequence,
		&guidedSession,
		&createdAt,
		&updatedAt,
		&capturedAt,
	)
	if err != nil {
		return schema.Asset{}, err
	}

	a.State = schema.State(state)
	a.MediaType = schema.MediaType(mediaType)
	a.Mode = schema.Mode(mode)
	a.FilePath = filePath.String
	a.Checksum = checksum.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.CapturedAt = parseTime(capturedAt)

	if sessionID.Valid {
		v := sessionID.Int64
		a.SessionID = &v
	}

	if remoteFilename.Valid {
		a.Remote = &schema.RemoteInfo{
			Filename:   remoteFilename.String,
			URL:        remoteURL.String,
			UploadedAt: parseTime(uploadedAt.String),
		}
	}

	if arch.Valid || sequence.Valid || guidedSession.Valid {
		g := &schema.GuidedMeta{SessionID: guidedSession.String}
		if arch.Valid {
			v := schema.Arch(arch.String)
			g.Arch = &v
		}
		if sequence.Valid {
			v := int(sequence.Int64)
			g.Sequence = &v
		}
		a.Guided = g
	}

	return a, nil
}
