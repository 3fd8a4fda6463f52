package sendqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"outreachflow/metrics"
)

var (
	// ErrAlreadySent signals an enqueue for a draft that has already been
	// delivered. Sending the same draft twice requires a human to compose a
	// fresh draft; there is no override.
	ErrAlreadySent = errors.New("sendqueue: draft already sent")
	// ErrInvalidTransition signals an operation applied to a job in the wrong
	// lifecycle state.
	ErrInvalidTransition = errors.New("sendqueue: invalid state transition")
	// ErrAttributionRequired signals an operator action missing actor or reason.
	ErrAttributionRequired = errors.New("sendqueue: actor and reason required")
)

// EventSink receives best-effort delivery events. Failures never propagate
// into queue transitions.
type EventSink interface {
	Record(ctx context.Context, ev metrics.Event) metrics.NotifyResult
}

// Manager owns the send-job lifecycle. All transitions flow through it; the
// store persists records but applies no business rules of its own.
type Manager struct {
	store       Store
	retry       *RetryPolicy
	events      EventSink
	idGenerator func() string
	now         func() time.Time
	logger      *zap.Logger
}

// NewManager creates a queue manager. events may be nil.
func NewManager(store Store, retry *RetryPolicy, events EventSink, logger *zap.Logger) *Manager {
	if retry == nil {
		retry = NewRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:       store,
		retry:       retry,
		events:      events,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		logger:      logger,
	}
}

// WithIDGenerator overrides job id generation, for tests.
func (m *Manager) WithIDGenerator(gen func() string) *Manager {
	m.idGenerator = gen
	return m
}

// WithClock overrides the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Enqueue queues a send for a draft, idempotently. A draft with a queued or
// in-progress job returns that job unchanged, so retrying the enqueue call is
// always safe. A draft that has ever been sent is rejected outright. A draft
// whose previous jobs all ended failed, dead-lettered or cancelled gets a
// fresh job under a new id.
func (m *Manager) Enqueue(ctx context.Context, params EnqueueParams) (Job, error) {
	if params.DraftID == "" {
		return Job{}, fmt.Errorf("sendqueue: enqueue missing draft id")
	}

	existing, err := m.store.FindByDraft(ctx, params.DraftID)
	if err != nil {
		return Job{}, err
	}
	for _, job := range existing {
		switch job.Status {
		case StatusSent:
			return Job{}, fmt.Errorf("%w: draft %s delivered as job %s", ErrAlreadySent, params.DraftID, job.ID)
		case StatusQueued, StatusInProgress:
			return job, nil
		}
	}

	job := Job{
		ID:                  m.idGenerator(),
		DraftID:             params.DraftID,
		TrackingID:          params.TrackingID,
		CompanyID:           params.CompanyID,
		TemplateID:          params.TemplateID,
		ABVariant:           params.ABVariant,
		ToDomain:            params.ToDomain,
		ApprovalFingerprint: params.ApprovalFingerprint,
		Status:              StatusQueued,
		NextAttemptAt:       m.now(),
	}

	created, err := m.store.Create(ctx, job)
	if err != nil {
		if errors.Is(err, ErrDuplicateActiveJob) {
			// Lost an enqueue race; the winner's job is the answer.
			return m.activeJobForDraft(ctx, params.DraftID)
		}
		return Job{}, err
	}

	m.logger.Info("send job queued",
		zap.String("job_id", created.ID),
		zap.String("draft_id", created.DraftID),
		zap.String("to_domain", created.ToDomain))
	return created, nil
}

// LeaseNext claims the earliest ready job for one delivery attempt. Returns
// nil when nothing is ready.
func (m *Manager) LeaseNext(ctx context.Context) (*Job, error) {
	job, err := m.store.LeaseNextReady(ctx, m.now())
	if err != nil || job == nil {
		return job, err
	}
	m.logger.Info("send job leased",
		zap.String("job_id", job.ID),
		zap.String("draft_id", job.DraftID),
		zap.Int("attempt", job.Attempts))
	return job, nil
}

// MarkSent records a successful delivery. Re-marking an already sent job
// succeeds silently so at-least-once delivery notifications are harmless; any
// other non-in-progress state is an error.
func (m *Manager) MarkSent(ctx context.Context, jobID string, info SentInfo) (Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Status == StatusSent {
		return job, nil
	}
	if job.Status != StatusInProgress {
		return Job{}, fmt.Errorf("%w: cannot mark job %s sent from %s", ErrInvalidTransition, jobID, job.Status)
	}

	now := m.now()
	job.Status = StatusSent
	job.SentAt = &now
	job.MessageID = info.MessageID
	job.ThreadID = info.ThreadID
	job.LastErrorCode = ""
	job.LastErrorMsgHash = ""

	updated, err := m.store.Update(ctx, job, StatusInProgress)
	if err != nil {
		return Job{}, err
	}

	m.notify(ctx, metrics.EventSendSuccess, "", updated)
	m.logger.Info("send job delivered",
		zap.String("job_id", updated.ID),
		zap.String("message_id", updated.MessageID))
	return updated, nil
}

// MarkFailed records a failed attempt and applies the retry decision: back to
// queued with a future next-attempt time, dead-lettered, or terminally failed.
// Only the classification code and a one-way hash of the error text are
// persisted; the raw message may carry recipient-identifying detail.
func (m *Manager) MarkFailed(ctx context.Context, jobID string, sendErr error, httpStatus int) (Job, Decision, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return Job{}, Decision{}, err
	}
	if job.Status != StatusInProgress {
		return Job{}, Decision{}, fmt.Errorf("%w: cannot mark job %s failed from %s", ErrInvalidTransition, jobID, job.Status)
	}

	decision := m.retry.HandleFailure(job.Attempts, sendErr, httpStatus)

	job.LastErrorCode = decision.Classification.Code
	job.LastErrorMsgHash = hashErrorMessage(sendErr)
	job.InProgressStartedAt = nil

	switch decision.Action {
	case ActionRetry:
		job.Status = StatusQueued
		job.NextAttemptAt = decision.NextAttemptAt
	case ActionDeadLetter:
		job.Status = StatusDeadLetter
	case ActionFail:
		job.Status = StatusFailed
	default:
		return Job{}, Decision{}, fmt.Errorf("sendqueue: unknown retry action %q", decision.Action)
	}

	updated, err := m.store.Update(ctx, job, StatusInProgress)
	if err != nil {
		return Job{}, Decision{}, err
	}

	m.notify(ctx, metrics.EventSendFailed, decision.Classification.Code, updated)
	m.logger.Warn("send job attempt failed",
		zap.String("job_id", updated.ID),
		zap.String("code", decision.Classification.Code),
		zap.String("action", string(decision.Action)),
		zap.Int("attempts", updated.Attempts))
	return updated, decision, nil
}

// Cancel terminates a queued or in-progress job, attributed to an operator.
func (m *Manager) Cancel(ctx context.Context, jobID, actor, reason string) (Job, error) {
	if actor == "" || reason == "" {
		return Job{}, ErrAttributionRequired
	}

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Status != StatusQueued && job.Status != StatusInProgress {
		return Job{}, fmt.Errorf("%w: cannot cancel job %s from %s", ErrInvalidTransition, jobID, job.Status)
	}

	from := job.Status
	job.Status = StatusCancelled
	job.CancelledBy = actor
	job.CancelReason = reason
	job.InProgressStartedAt = nil

	// The guarded update closes the window between the read above and this
	// write: if the worker delivered the job in between, the swap misses and
	// the sent record stays untouched.
	updated, err := m.store.Update(ctx, job, from)
	if err != nil {
		return Job{}, err
	}

	m.logger.Info("send job cancelled",
		zap.String("job_id", updated.ID),
		zap.String("actor", actor),
		zap.String("reason", reason))
	return updated, nil
}

// RetryDeadLetter returns a dead-lettered job to the queue. This is the only
// path back to eligibility after exhaustion and it is never automatic: actor
// and reason are mandatory.
func (m *Manager) RetryDeadLetter(ctx context.Context, jobID, actor, reason string) (Job, error) {
	if actor == "" || reason == "" {
		return Job{}, ErrAttributionRequired
	}

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Status != StatusDeadLetter {
		return Job{}, fmt.Errorf("%w: cannot replay job %s from %s", ErrInvalidTransition, jobID, job.Status)
	}

	// The draft may have been re-enqueued and delivered while this job sat in
	// the dead-letter pool; replaying it then would send the email twice.
	history, err := m.store.FindByDraft(ctx, job.DraftID)
	if err != nil {
		return Job{}, err
	}
	for _, prior := range history {
		if prior.Status == StatusSent {
			return Job{}, fmt.Errorf("%w: draft %s", ErrAlreadySent, job.DraftID)
		}
	}

	job.Status = StatusQueued
	job.Attempts = 0
	job.NextAttemptAt = m.now()
	job.LastErrorCode = ""
	job.LastErrorMsgHash = ""
	job.InProgressStartedAt = nil

	updated, err := m.store.Update(ctx, job, StatusDeadLetter)
	if err != nil {
		return Job{}, err
	}

	m.logger.Info("dead-lettered job replayed",
		zap.String("job_id", updated.ID),
		zap.String("actor", actor),
		zap.String("reason", reason))
	return updated, nil
}

// ListByStatus exposes queue contents for operator tooling.
func (m *Manager) ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	return m.store.ListByStatus(ctx, status, limit)
}

func (m *Manager) activeJobForDraft(ctx context.Context, draftID string) (Job, error) {
	jobs, err := m.store.FindByDraft(ctx, draftID)
	if err != nil {
		return Job{}, err
	}
	for _, job := range jobs {
		if job.Status == StatusQueued || job.Status == StatusInProgress {
			return job, nil
		}
	}
	return Job{}, fmt.Errorf("sendqueue: active job for draft %s vanished", draftID)
}

func (m *Manager) notify(ctx context.Context, eventType metrics.EventType, reason string, job Job) {
	if m.events == nil {
		return
	}
	m.events.Record(ctx, metrics.Event{
		Type:       eventType,
		Reason:     reason,
		TrackingID: job.TrackingID,
		JobID:      job.ID,
		At:         m.now(),
	})
}

func hashErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(err.Error()))
	return hex.EncodeToString(sum[:])
}
