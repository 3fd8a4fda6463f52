package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDraftNotFound signals a send job referencing a draft that no longer exists.
var ErrDraftNotFound = errors.New("transport: draft not found")

// PGDrafts reads prepared drafts from PostgreSQL.
type PGDrafts struct {
	pool *pgxpool.Pool
}

// NewPGDrafts creates a PostgreSQL-backed draft source.
func NewPGDrafts(pool *pgxpool.Pool) *PGDrafts {
	return &PGDrafts{pool: pool}
}

// Load fetches one draft by id.
func (d *PGDrafts) Load(ctx context.Context, draftID string) (Draft, error) {
	var draft Draft
	err := d.pool.QueryRow(ctx, `
		SELECT to_email, subject, body, tracking_id FROM drafts WHERE id = $1
	`, draftID).Scan(&draft.To, &draft.Subject, &draft.Body, &draft.TrackingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Draft{}, ErrDraftNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("transport: load draft %s: %w", draftID, err)
	}
	return draft, nil
}
