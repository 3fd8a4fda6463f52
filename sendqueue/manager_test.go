package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"outreachflow/metrics"
)

// memStore is an in-memory Store for manager tests. It mirrors the database
// invariants: one non-terminal job per draft, claim-once leasing.
type memStore struct {
	jobs  map[string]*Job
	order []string
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*Job)}
}

func (s *memStore) Create(ctx context.Context, job Job) (Job, error) {
	for _, id := range s.order {
		existing := s.jobs[id]
		if existing.DraftID == job.DraftID && !existing.Status.IsTerminal() {
			return Job{}, ErrDuplicateActiveJob
		}
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	copied := job
	s.jobs[job.ID] = &copied
	s.order = append(s.order, job.ID)
	return job, nil
}

func (s *memStore) Get(ctx context.Context, jobID string) (Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

func (s *memStore) Update(ctx context.Context, job Job, from Status) (Job, error) {
	stored, ok := s.jobs[job.ID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if stored.Status != from {
		return Job{}, fmt.Errorf("%w: job %s moved from %s to %s by a concurrent writer",
			ErrInvalidTransition, job.ID, from, stored.Status)
	}
	job.CreatedAt = stored.CreatedAt
	job.UpdatedAt = time.Now()
	*stored = job
	return job, nil
}

func (s *memStore) FindByDraft(ctx context.Context, draftID string) ([]Job, error) {
	var out []Job
	for i := len(s.order) - 1; i >= 0; i-- {
		if job := s.jobs[s.order[i]]; job.DraftID == draftID {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *memStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	var out []Job
	for _, id := range s.order {
		if job := s.jobs[id]; job.Status == status {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *memStore) LeaseNextReady(ctx context.Context, now time.Time) (*Job, error) {
	var ready *Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Status != StatusQueued || job.NextAttemptAt.After(now) {
			continue
		}
		if ready == nil || job.NextAttemptAt.Before(ready.NextAttemptAt) {
			ready = job
		}
	}
	if ready == nil {
		return nil, nil
	}
	ready.Status = StatusInProgress
	ready.Attempts++
	started := now
	ready.InProgressStartedAt = &started
	claimed := *ready
	return &claimed, nil
}

type recordingSink struct {
	events []metrics.Event
}

func (r *recordingSink) Record(ctx context.Context, ev metrics.Event) metrics.NotifyResult {
	r.events = append(r.events, ev)
	return metrics.NotifyResult{Sent: true}
}

func newTestManager(store Store, sink EventSink) *Manager {
	seq := 0
	retry := NewRetryPolicy(3, time.Minute, time.Hour).WithJitter(noJitter)
	return NewManager(store, retry, sink, nil).WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("job-%d", seq)
	})
}

func TestEnqueue_IdempotentWhileActive(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemStore(), nil)

	first, err := m.Enqueue(ctx, EnqueueParams{DraftID: "d1", ToDomain: "target.io"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.Status != StatusQueued || first.Attempts != 0 {
		t.Fatalf("unexpected initial job %+v", first)
	}

	second, err := m.Enqueue(ctx, EnqueueParams{DraftID: "d1", ToDomain: "target.io"})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-enqueue while queued must return the existing job, got %s and %s", first.ID, second.ID)
	}
}

func TestEnqueue_RejectedAfterSent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemStore(), nil)

	job, err := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := m.LeaseNext(ctx)
	if err != nil || leased == nil {
		t.Fatalf("lease: job=%v err=%v", leased, err)
	}
	if _, err := m.MarkSent(ctx, job.ID, SentInfo{MessageID: "m1"}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	if _, err := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"}); !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("expected ErrAlreadySent, got %v", err)
	}
}

func TestEnqueue_FreshJobAfterTerminalFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemStore(), nil)

	job, err := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.Cancel(ctx, job.ID, "alex", "wrong company"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	fresh, err := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if err != nil {
		t.Fatalf("enqueue after cancel: %v", err)
	}
	if fresh.ID == job.ID {
		t.Fatalf("expected a fresh job id after terminal cancel")
	}
	if fresh.Status != StatusQueued {
		t.Fatalf("expected fresh job queued, got %s", fresh.Status)
	}
}

func TestLeaseNext_EarliestFirstAndClaimOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, nil).WithClock(func() time.Time { return now })

	late, _ := m.Enqueue(ctx, EnqueueParams{DraftID: "late"})
	early, _ := m.Enqueue(ctx, EnqueueParams{DraftID: "early"})

	// Push the first job's readiness behind the second.
	stored := store.jobs[late.ID]
	stored.NextAttemptAt = now.Add(-2 * time.Hour)
	stored = store.jobs[early.ID]
	stored.NextAttemptAt = now.Add(-3 * time.Hour)

	leased, err := m.LeaseNext(ctx)
	if err != nil || leased == nil {
		t.Fatalf("lease: job=%v err=%v", leased, err)
	}
	if leased.ID != early.ID {
		t.Fatalf("expected earliest-ready job %s, got %s", early.ID, leased.ID)
	}
	if leased.Status != StatusInProgress || leased.Attempts != 1 || leased.InProgressStartedAt == nil {
		t.Fatalf("lease must claim the job: %+v", leased)
	}

	// The same job cannot be claimed twice.
	second, err := m.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if second != nil && second.ID == leased.ID {
		t.Fatalf("job %s leased twice", leased.ID)
	}
}

func TestMarkSent_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemStore(), nil)

	job, _ := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if _, err := m.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}

	sent, err := m.MarkSent(ctx, job.ID, SentInfo{MessageID: "m1", ThreadID: "t1"})
	if err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if sent.Status != StatusSent || sent.MessageID != "m1" || sent.ThreadID != "t1" || sent.SentAt == nil {
		t.Fatalf("unexpected sent job %+v", sent)
	}

	// At-least-once delivery notifications make re-marking harmless.
	again, err := m.MarkSent(ctx, job.ID, SentInfo{MessageID: "other"})
	if err != nil {
		t.Fatalf("idempotent re-mark: %v", err)
	}
	if again.MessageID != "m1" {
		t.Fatalf("re-mark must not overwrite the original message id, got %q", again.MessageID)
	}
}

func TestMarkSent_RequiresInProgress(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemStore(), nil)

	job, _ := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if _, err := m.MarkSent(ctx, job.ID, SentInfo{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for queued job, got %v", err)
	}
	if _, err := m.MarkSent(ctx, "missing", SentInfo{}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMarkFailed_RetryableRequeues(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	m := newTestManager(newMemStore(), sink).WithClock(func() time.Time { return now })

	job, _ := m.Enqueue(ctx, EnqueueParams{DraftID: "d1", TrackingID: "trk-1"})
	if _, err := m.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}

	updated, decision, err := m.MarkFailed(ctx, job.ID, errors.New("rate limit exceeded"), 429)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if decision.Action != ActionRetry {
		t.Fatalf("expected retry, got %s", decision.Action)
	}
	if updated.Status != StatusQueued {
		t.Fatalf("expected job back in queue, got %s", updated.Status)
	}
	if !updated.NextAttemptAt.After(now) {
		t.Fatalf("expected future next attempt, got %v", updated.NextAttemptAt)
	}
	if updated.LastErrorCode != CodeRateLimited {
		t.Fatalf("expected rate-limit classification, got %q", updated.LastErrorCode)
	}
	if updated.LastErrorMsgHash == "" || updated.LastErrorMsgHash == "rate limit exceeded" {
		t.Fatalf("error message must be stored as a one-way hash, got %q", updated.LastErrorMsgHash)
	}

	if len(sink.events) != 1 || sink.events[0].Type != metrics.EventSendFailed || sink.events[0].Reason != CodeRateLimited {
		t.Fatalf("unexpected events %+v", sink.events)
	}
}

func TestMarkFailed_ExhaustionDeadLetters(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemStore(), nil)

	job, _ := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})

	// Burn through the attempt ceiling with retryable failures.
	for attempt := 1; attempt <= 3; attempt++ {
		leased, err := m.LeaseNext(ctx)
		if err != nil || leased == nil {
			t.Fatalf("lease attempt %d: job=%v err=%v", attempt, leased, err)
		}
		updated, decision, err := m.MarkFailed(ctx, job.ID, errors.New("server melted"), 503)
		if err != nil {
			t.Fatalf("mark failed attempt %d: %v", attempt, err)
		}
		if attempt < 3 {
			if decision.Action != ActionRetry {
				t.Fatalf("attempt %d: expected retry, got %s", attempt, decision.Action)
			}
			// Make the job immediately ready again.
			stored := m.store.(*memStore).jobs[job.ID]
			stored.NextAttemptAt = time.Now().Add(-time.Minute)
		} else {
			if decision.Action != ActionDeadLetter {
				t.Fatalf("final attempt: expected dead_letter, got %s", decision.Action)
			}
			if updated.Status != StatusDeadLetter {
				t.Fatalf("expected dead_letter status, got %s", updated.Status)
			}
		}
	}
}

func TestMarkFailed_PermanentFails(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemStore(), nil)

	job, _ := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if _, err := m.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}

	updated, decision, err := m.MarkFailed(ctx, job.ID, errors.New("draft deleted"), 404)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if decision.Action != ActionFail || updated.Status != StatusFailed {
		t.Fatalf("expected terminal failure, got action=%s status=%s", decision.Action, updated.Status)
	}

	// Terminal-failed jobs cannot be replayed.
	if _, err := m.RetryDeadLetter(ctx, job.ID, "alex", "try again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition replaying failed job, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemStore(), nil)

	job, _ := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	cancelled, err := m.Cancel(ctx, job.ID, "alex", "company froze hiring")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.CancelledBy != "alex" || cancelled.CancelReason != "company froze hiring" {
		t.Fatalf("unexpected cancelled job %+v", cancelled)
	}

	// Terminal states reject cancellation.
	if _, err := m.Cancel(ctx, job.ID, "alex", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Attribution is mandatory.
	if _, err := m.Cancel(ctx, job.ID, "", "reason"); !errors.Is(err, ErrAttributionRequired) {
		t.Fatalf("expected ErrAttributionRequired, got %v", err)
	}
}

func TestRetryDeadLetter_ResetsJob(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(newMemStore(), nil).WithClock(func() time.Time { return now })

	job, _ := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if _, err := m.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, _, err := m.MarkFailed(ctx, job.ID, errors.New("invalid credentials"), 401); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	replayed, err := m.RetryDeadLetter(ctx, job.ID, "alex", "rotated oauth credentials")
	if err != nil {
		t.Fatalf("retry dead letter: %v", err)
	}
	if replayed.Status != StatusQueued || replayed.Attempts != 0 {
		t.Fatalf("replay must reset the job, got %+v", replayed)
	}
	if !replayed.NextAttemptAt.Equal(now) {
		t.Fatalf("replay must be immediately eligible, got %v", replayed.NextAttemptAt)
	}
	if replayed.LastErrorCode != "" || replayed.LastErrorMsgHash != "" {
		t.Fatalf("replay must clear error fields, got %+v", replayed)
	}

	if _, err := m.RetryDeadLetter(ctx, job.ID, "alex", ""); !errors.Is(err, ErrAttributionRequired) {
		t.Fatalf("expected ErrAttributionRequired, got %v", err)
	}
}

func TestRetryDeadLetter_RefusedAfterDraftSent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemStore(), nil)

	// Dead-letter the first job for the draft.
	first, _ := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if _, err := m.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, _, err := m.MarkFailed(ctx, first.ID, errors.New("invalid credentials"), 401); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// A fresh job for the same draft gets delivered in the meantime.
	second, err := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if _, err := m.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := m.MarkSent(ctx, second.ID, SentInfo{MessageID: "msg-1"}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	// Replaying the dead letter now would send the email twice.
	if _, err := m.RetryDeadLetter(ctx, first.ID, "alex", "rotated oauth credentials"); !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("expected ErrAlreadySent, got %v", err)
	}
}

// staleReadStore serves Get from a snapshot taken at wrap time while every
// write goes to the live store, simulating a reader whose view lags a
// concurrent writer between its status check and its update.
type staleReadStore struct {
	*memStore
	snapshot map[string]Job
}

func snapshotStore(s *memStore) *staleReadStore {
	snap := make(map[string]Job, len(s.jobs))
	for id, job := range s.jobs {
		snap[id] = *job
	}
	return &staleReadStore{memStore: s, snapshot: snap}
}

func (s *staleReadStore) Get(ctx context.Context, jobID string) (Job, error) {
	if job, ok := s.snapshot[jobID]; ok {
		return job, nil
	}
	return s.memStore.Get(ctx, jobID)
}

func TestCancel_LosesRaceWithDelivery(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := newTestManager(store, nil)

	job, err := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// An operator reads the job while it is still queued; the worker leases
	// and delivers it before the cancel lands.
	racer := newTestManager(snapshotStore(store), nil)
	if _, err := m.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := m.MarkSent(ctx, job.ID, SentInfo{MessageID: "msg-1"}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	if _, err := racer.Cancel(ctx, job.ID, "alex", "wrong company"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stale cancel must lose the race, got %v", err)
	}

	// The delivered record is untouched: sent is terminal, the message is on
	// the wire, and the draft stays ineligible for re-enqueue.
	final := store.jobs[job.ID]
	if final.Status != StatusSent || final.MessageID != "msg-1" || final.CancelledBy != "" {
		t.Fatalf("sent record was overwritten: %+v", final)
	}
	if _, err := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"}); !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("delivered draft became re-enqueueable: %v", err)
	}
}

func TestRetryDeadLetter_ReplayedOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := newTestManager(store, nil)

	job, err := m.Enqueue(ctx, EnqueueParams{DraftID: "d1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, _, err := m.MarkFailed(ctx, job.ID, errors.New("invalid credentials"), 401); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// Two operators read the same dead letter; the slower replay must lose
	// instead of resetting the attempt counter a second time.
	racer := newTestManager(snapshotStore(store), nil)
	if _, err := m.RetryDeadLetter(ctx, job.ID, "alex", "rotated oauth credentials"); err != nil {
		t.Fatalf("first replay: %v", err)
	}
	if _, err := racer.RetryDeadLetter(ctx, job.ID, "sam", "rotated oauth credentials"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second replay must lose the race, got %v", err)
	}
	if store.jobs[job.ID].Status != StatusQueued {
		t.Fatalf("replayed job clobbered: %+v", store.jobs[job.ID])
	}
}

// TestLifecycle_RateLimitedThenDelivered walks the full happy-after-hiccup
// path: queue, lease, 429, requeue with backoff, lease again, deliver.
func TestLifecycle_RateLimitedThenDelivered(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	m := newTestManager(newMemStore(), nil).WithClock(func() time.Time { return *clock })

	job, err := m.Enqueue(ctx, EnqueueParams{DraftID: "D1", ToDomain: "target.io"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	leased, err := m.LeaseNext(ctx)
	if err != nil || leased == nil {
		t.Fatalf("lease: job=%v err=%v", leased, err)
	}
	if leased.Status != StatusInProgress || leased.Attempts != 1 {
		t.Fatalf("unexpected leased job %+v", leased)
	}

	failed, _, err := m.MarkFailed(ctx, job.ID, errors.New("too many requests"), 429)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != StatusQueued || !failed.NextAttemptAt.After(now) || failed.LastErrorCode != CodeRateLimited {
		t.Fatalf("unexpected requeued job %+v", failed)
	}

	// Not ready yet.
	if leased, err := m.LeaseNext(ctx); err != nil || leased != nil {
		t.Fatalf("job leased before its backoff elapsed: %+v", leased)
	}

	// Advance past the backoff and finish the delivery.
	later := failed.NextAttemptAt.Add(time.Second)
	clock = &later
	leased, err = m.LeaseNext(ctx)
	if err != nil || leased == nil {
		t.Fatalf("lease after backoff: job=%v err=%v", leased, err)
	}
	if leased.Attempts != 2 {
		t.Fatalf("expected second attempt, got %d", leased.Attempts)
	}

	sent, err := m.MarkSent(ctx, job.ID, SentInfo{MessageID: "msg-1", ThreadID: "thr-1"})
	if err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if sent.Status != StatusSent {
		t.Fatalf("expected sent, got %s", sent.Status)
	}
	if _, err := m.MarkSent(ctx, job.ID, SentInfo{}); err != nil {
		t.Fatalf("idempotent re-mark after delivery: %v", err)
	}
}
