package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is the append-only event sink the core writes delivery outcomes to.
type Store interface {
	Append(ctx context.Context, ev Event) error
	CountSince(ctx context.Context, eventType EventType, since time.Time) (int, error)
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed event store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Append inserts one event row.
func (s *PGStore) Append(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO send_events (type, reason, tracking_id, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.Type, ev.Reason, ev.TrackingID, ev.JobID, at)
	if err != nil {
		return fmt.Errorf("metrics: append event: %w", err)
	}
	return nil
}

// CountSince counts events of a type recorded at or after the given instant.
func (s *PGStore) CountSince(ctx context.Context, eventType EventType, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM send_events WHERE type = $1 AND created_at >= $2
	`, eventType, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("metrics: count events: %w", err)
	}
	return count, nil
}

// SentToday counts successful sends since local midnight, feeding the daily
// rate cap.
func SentToday(ctx context.Context, store Store, now time.Time) (int, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return store.CountSince(ctx, EventSendSuccess, midnight)
}

// Notifier wraps a Store with best-effort semantics: append failures are
// logged and reported via NotifyResult, never propagated. Queue transitions
// must not fail because the metrics store hiccuped.
type Notifier struct {
	store  Store
	logger *zap.Logger
}

// NewNotifier creates a best-effort event recorder.
func NewNotifier(store Store, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{store: store, logger: logger}
}

// Record appends the event, swallowing any error.
func (n *Notifier) Record(ctx context.Context, ev Event) NotifyResult {
	if n == nil || n.store == nil {
		return NotifyResult{}
	}
	if err := n.store.Append(ctx, ev); err != nil {
		n.logger.Warn("dropping delivery event",
			zap.String("type", string(ev.Type)),
			zap.String("reason", ev.Reason),
			zap.String("job_id", ev.JobID),
			zap.Error(err))
		return NotifyResult{}
	}
	return NotifyResult{Sent: true}
}
