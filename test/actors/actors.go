package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"outreachflow/metrics"
	"outreachflow/sendqueue"
)

// Enqueuer keeps enqueueing jobs for a bounded pool of draft ids, so enqueues
// constantly collide with active jobs and already-sent drafts.
func Enqueuer(ctx context.Context, m *sendqueue.Manager, drafts []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		draft := drafts[rand.Intn(len(drafts))]
		_, err := m.Enqueue(ctx, sendqueue.EnqueueParams{
			DraftID:    draft,
			TrackingID: fmt.Sprintf("trk-%s", draft),
			ToDomain:   "example.com",
		})
		if err != nil && !errors.Is(err, sendqueue.ErrAlreadySent) {
			// Chaos terminates backends mid-statement; the oracles judge
			// correctness, not individual call failures.
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Deliverer leases ready jobs and resolves them with a mix of outcomes:
// mostly delivered, the rest rate limited, server errors, or gone drafts.
func Deliverer(ctx context.Context, m *sendqueue.Manager, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		job, err := m.LeaseNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if job == nil {
			time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
			continue
		}

		switch roll := rand.Intn(10); {
		case roll < 6:
			_, err = m.MarkSent(ctx, job.ID, sendqueue.SentInfo{
				MessageID: fmt.Sprintf("msg-%s-%d", job.ID, rand.Int63()),
				ThreadID:  fmt.Sprintf("thr-%s", job.DraftID),
			})
		case roll < 8:
			_, _, err = m.MarkFailed(ctx, job.ID, &sendqueue.SendError{Status: 429, Err: errors.New("rate limit exceeded")}, 429)
		case roll < 9:
			_, _, err = m.MarkFailed(ctx, job.ID, &sendqueue.SendError{Status: 503, Err: errors.New("backend unavailable")}, 503)
		default:
			_, _, err = m.MarkFailed(ctx, job.ID, &sendqueue.SendError{Status: 404, Err: errors.New("draft gone")}, 404)
		}
		// A concurrent cancel can win the race between lease and resolution,
		// and chaos can kill the connection under the update.
		if err != nil && !errors.Is(err, sendqueue.ErrInvalidTransition) && ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Canceller occasionally cancels a queued job out from under the deliverers.
func Canceller(ctx context.Context, m *sendqueue.Manager, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		jobs, err := m.ListByStatus(ctx, sendqueue.StatusQueued, 10)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if len(jobs) > 0 {
			job := jobs[rand.Intn(len(jobs))]
			_, err := m.Cancel(ctx, job.ID, "stress-canceller", "operator withdrew the draft")
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// Replayer drains the dead-letter pool back into the queue, so exhausted jobs
// keep cycling for the whole run.
func Replayer(ctx context.Context, m *sendqueue.Manager, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		jobs, err := m.ListByStatus(ctx, sendqueue.StatusDeadLetter, 5)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, job := range jobs {
			_, err := m.RetryDeadLetter(ctx, job.ID, "stress-replayer", "replay after review")
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}

// ReplyWriter appends reply events, feeding the reply-rate signal while the
// queue churns.
func ReplyWriter(ctx context.Context, store metrics.Store, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := store.Append(ctx, metrics.Event{
			Type:       metrics.EventReplyReceived,
			TrackingID: fmt.Sprintf("trk-draft-%d", rand.Intn(50)),
			At:         time.Now(),
		})
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}
