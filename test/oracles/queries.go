package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the queue invariants checked during stress runs. Each query
// selects violating rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_job",
			SQL: `SELECT draft_id, COUNT(*) FROM send_jobs
                  WHERE status IN ('queued','in_progress')
                  GROUP BY draft_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_attempts_bounded",
			SQL:  `SELECT id, attempts FROM send_jobs WHERE attempts > 3`,
		},
		{
			Name: "O3_sent_has_message_id",
			SQL:  `SELECT id FROM send_jobs WHERE status = 'sent' AND message_id = ''`,
		},
		{
			Name: "O4_dead_letter_has_code",
			SQL:  `SELECT id FROM send_jobs WHERE status = 'dead_letter' AND last_error_code = ''`,
		},
		{
			Name: "O5_retry_carries_last_error",
			SQL: `SELECT id FROM send_jobs
                  WHERE status = 'queued' AND attempts > 0 AND last_error_code = ''`,
		},
		{
			Name: "O6_single_sent_per_draft",
			SQL: `SELECT draft_id, COUNT(*) FROM send_jobs
                  WHERE status = 'sent'
                  GROUP BY draft_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_success_event_once_per_job",
			SQL: `SELECT job_id, COUNT(*) FROM send_events
                  WHERE type = 'send_success' AND job_id <> ''
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_cancel_attributed",
			SQL:  `SELECT id FROM send_jobs WHERE status = 'cancelled' AND cancelled_by = ''`,
		},
		{
			// sent_at is written only on delivery, so any row carrying it in
			// another status was overwritten after the message went out.
			Name: "O9_sent_is_terminal",
			SQL:  `SELECT id, status FROM send_jobs WHERE sent_at IS NOT NULL AND status <> 'sent'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
