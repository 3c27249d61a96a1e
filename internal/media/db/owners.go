package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clinicapture/mediasync/internal/media/schema"
)

const ownerColumns = `id, business_code, name, age, phone, created_at, updated_at`

// InsertOwner inserts an owner and returns its assigned local id.
//
// No uniqueness check is made on the business code.
func (q queries) InsertOwner(ctx context.Context, o *schema.Owner) (int64, error) {
	if err := o.Validate(); err != nil {
		return 0, schema.Invalidf("insert owner", "%v", err)
	}

	res, err := q.ex.ExecContext(ctx, `
		INSERT INTO owners (business_code, name, age, phone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.BusinessCode, o.Name, o.Age, o.Phone, formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert owner: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read owner id: %w", err)
	}
	o.ID = id
	return id, nil
}

// GetOwner retrieves an owner by local id.
func (q queries) GetOwner(ctx context.Context, id int64) (*schema.Owner, error) {
	row := q.ex.QueryRowContext(ctx, `SELECT `+ownerColumns+` FROM owners WHERE id = ?`, id)
	o, err := scanOwner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewError(schema.ErrNotFound, "get owner", fmt.Sprint(id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get owner %d: %w", id, err)
	}
	return o, nil
}

// GetOwnerByBusinessCode returns the oldest owner with the given code.
func (q queries) GetOwnerByBusinessCode(ctx context.Context, code string) (*schema.Owner, error) {
	row := q.ex.QueryRowContext(ctx,
		`SELECT `+ownerColumns+` FROM owners WHERE business_code = ? ORDER BY id ASC LIMIT 1`, code)
	o, err := scanOwner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewError(schema.ErrNotFound, "get owner by business code", code, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get owner %s: %w", code, err)
	}
	return o, nil
}

// ListOwners returns all owners ordered by local id.
func (q queries) ListOwners(ctx context.Context) ([]*schema.Owner, error) {
	rows, err := q.ex.QueryContext(ctx, `SELECT `+ownerColumns+` FROM owners ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []*schema.Owner
	for rows.Next() {
		o, err := scanOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating owners: %w", err)
	}
	return owners, nil
}

// DeleteOwner removes an owner row. Assets and sessions must have been
// reassigned first; the foreign keys reject the delete otherwise.
func (q queries) DeleteOwner(ctx context.Context, id int64) error {
	if _, err := q.ex.ExecContext(ctx, `DELETE FROM owners WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete owner %d: %w", id, err)
	}
	return nil
}

// InsertSession inserts a capture session and returns its id.
func (q queries) InsertSession(ctx context.Context, s *schema.CaptureSession) (int64, error) {
	if s.OwnerID <= 0 {
		return 0, schema.Invalidf("insert session", "owner id must be positive (got %d)", s.OwnerID)
	}
	res, err := q.ex.ExecContext(ctx,
		`INSERT INTO capture_sessions (owner_id, name, created_at) VALUES (?, ?, ?)`,
		s.OwnerID, s.Name, formatTime(s.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert capture session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read session id: %w", err)
	}
	s.ID = id
	return id, nil
}

// GetSession retrieves a capture session by id.
func (q queries) GetSession(ctx context.Context, id int64) (*schema.CaptureSession, error) {
	var s schema.CaptureSession
	var createdAt string
	err := q.ex.QueryRowContext(ctx,
		`SELECT id, owner_id, name, created_at FROM capture_sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.OwnerID, &s.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewError(schema.ErrNotFound, "get session", fmt.Sprint(id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %d: %w", id, err)
	}
	s.CreatedAt = parseTime(createdAt)
	return &s, nil
}

// ListSessions returns the capture sessions of one owner.
func (q queries) ListSessions(ctx context.Context, ownerID int64) ([]*schema.CaptureSession, error) {
	rows, err := q.ex.QueryContext(ctx,
		`SELECT id, owner_id, name, created_at FROM capture_sessions WHERE owner_id = ? ORDER BY id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*schema.CaptureSession
	for rows.Next() {
		var s schema.CaptureSession
		var createdAt string
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.CreatedAt = parseTime(createdAt)
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// ReassignSessions moves every capture session of one owner to another.
func (q queries) ReassignSessions(ctx context.Context, fromOwner, toOwner int64) (int64, error) {
	res, err := q.ex.ExecContext(ctx,
		`UPDATE capture_sessions SET owner_id = ? WHERE owner_id = ?`, toOwner, fromOwner)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign sessions %d -> %d: %w", fromOwner, toOwner, err)
	}
	return res.RowsAffected()
}

func scanOwner(row rowScanner) (*schema.Owner, error) {
	var o schema.Owner
	var createdAt, updatedAt string
	if err := row.Scan(&o.ID, &o.BusinessCode, &o.Name, &o.Age, &o.Phone, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}
