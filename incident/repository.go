package incident

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("incident: not found")
	ErrBadStatus = errors.New("incident: invalid status transition")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open creates a new open incident.
func (r *Repository) Open(ctx context.Context, title string, severity Severity, openedBy string) (Record, error) {
	if title == "" {
		return Record{}, fmt.Errorf("incident: title required")
	}
	if severity == "" {
		severity = SeverityMedium
	}

	const insertSQL = `
		INSERT INTO incidents (id, title, severity, status, opened_by)
		VALUES ($1, $2, $3, 'open', $4)
		RETURNING id, title, severity, status, opened_by, opened_at, resolved_at
	`
	rec, err := scanRecord(r.pool.QueryRow(ctx, insertSQL, uuid.NewString(), title, severity, openedBy))
	if err != nil {
		return Record{}, fmt.Errorf("incident: open: %w", err)
	}
	return rec, nil
}

// Resolve marks an open incident resolved.
func (r *Repository) Resolve(ctx context.Context, incidentID string) (Record, error) {
	const updateSQL = `
		UPDATE incidents
		SET status = 'resolved', resolved_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING id, title, severity, status, opened_by, opened_at, resolved_at
	`
	rec, err := scanRecord(r.pool.QueryRow(ctx, updateSQL, incidentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either unknown or already resolved; tell them apart.
			if _, getErr := r.Get(ctx, incidentID); getErr != nil {
				return Record{}, getErr
			}
			return Record{}, ErrBadStatus
		}
		return Record{}, fmt.Errorf("incident: resolve: %w", err)
	}
	return rec, nil
}

// Get retrieves an incident by id.
func (r *Repository) Get(ctx context.Context, incidentID string) (Record, error) {
	const selectSQL = `
		SELECT id, title, severity, status, opened_by, opened_at, resolved_at
		FROM incidents WHERE id = $1
	`
	rec, err := scanRecord(r.pool.QueryRow(ctx, selectSQL, incidentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("incident: get: %w", err)
	}
	return rec, nil
}

// ListOpen returns open incidents, newest first.
func (r *Repository) ListOpen(ctx context.Context) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, title, severity, status, opened_by, opened_at, resolved_at
		FROM incidents WHERE status = 'open' ORDER BY opened_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("incident: list open: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("incident: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("incident: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.Title, &rec.Severity, &rec.Status, &rec.OpenedBy, &rec.OpenedAt, &rec.ResolvedAt)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
