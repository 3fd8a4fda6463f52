package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"outreachflow/metrics"
	"outreachflow/policy"
)

// Sender is the outbound transport. Send delivers the draft and returns the
// provider's message identifiers; a *SendError carries the provider status for
// classification.
type Sender interface {
	Send(ctx context.Context, draftID string) (SentInfo, error)
}

// SendError wraps a transport failure with the provider's HTTP status so the
// retry policy can classify it.
type SendError struct {
	Status int
	Err    error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "send failed"
}

func (e *SendError) Unwrap() error { return e.Err }

// Enablement gates each attempt. The worker re-checks kill switches and the
// enablement flag before every lease; the recipient allowlist was checked with
// the full address before the job was queued and cannot be re-run here, since
// only the domain is retained.
type Enablement interface {
	IsSendingEnabled() bool
}

// EmergencyStop engages the runtime kill switch when the worker hits a
// failure that makes every further attempt pointless or dangerous.
type EmergencyStop interface {
	Enable(reason, setBy string) error
}

// DailyQuota reports whether another delivery fits under the daily cap.
type DailyQuota interface {
	AllowSend(ctx context.Context) (bool, error)
}

// MeteredQuota implements DailyQuota by counting today's delivered sends in
// the event store and holding them under the policy's rate cap. Queued
// backlogs are bound by the same cap as direct sends: when it is exhausted
// the worker idles until the next day instead of draining the queue through.
type MeteredQuota struct {
	store  metrics.Store
	policy *policy.SendPolicy
	now    func() time.Time
}

// NewMeteredQuota creates a quota over the event store and send policy.
func NewMeteredQuota(store metrics.Store, pol *policy.SendPolicy) *MeteredQuota {
	return &MeteredQuota{store: store, policy: pol, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (q *MeteredQuota) WithClock(now func() time.Time) *MeteredQuota {
	q.now = now
	return q
}

// AllowSend fails closed: without a trustworthy count the cap cannot be
// enforced, so an unavailable event store blocks the lease.
func (q *MeteredQuota) AllowSend(ctx context.Context) (bool, error) {
	count, err := metrics.SentToday(ctx, q.store, q.now())
	if err != nil {
		return false, fmt.Errorf("sendqueue: daily quota count: %w", err)
	}
	return q.policy.CheckRateLimit(count).Allowed, nil
}

// Worker drains the queue one job at a time. A single worker runs per store:
// lease selection is claim-once within the process, and cross-process
// coordination is out of scope.
type Worker struct {
	manager      *Manager
	sender       Sender
	enablement   Enablement
	events       EventSink
	stop         EmergencyStop
	quota        DailyQuota
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewWorker creates a queue worker.
func NewWorker(manager *Manager, sender Sender, enablement Enablement, events EventSink, pollInterval time.Duration, logger *zap.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		manager:      manager,
		sender:       sender,
		enablement:   enablement,
		events:       events,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// WithEmergencyStop wires a kill-switch engager. Auth failures then stop all
// sending automatically: with broken credentials every queued job would burn
// its attempts for nothing.
func (w *Worker) WithEmergencyStop(stop EmergencyStop) *Worker {
	w.stop = stop
	return w
}

// WithDailyQuota wires the daily-cap gate. The quota is consulted before
// every lease so an overnight backlog cannot bypass the cap that bounds
// direct sends.
func (w *Worker) WithDailyQuota(quota DailyQuota) *Worker {
	w.quota = quota
	return w
}

// Run processes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			w.logger.Error("worker pass failed", zap.Error(err))
		}
		if processed {
			// Drain eagerly while work is ready.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOne leases and attempts at most one job. It reports whether a job was
// processed so the caller can drain eagerly or back off.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	if !w.enablement.IsSendingEnabled() {
		return false, nil
	}
	if w.quota != nil {
		allowed, err := w.quota.AllowSend(ctx)
		if err != nil {
			return false, err
		}
		if !allowed {
			return false, nil
		}
	}

	job, err := w.manager.LeaseNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if w.events != nil {
		w.events.Record(ctx, metrics.Event{
			Type:       metrics.EventSendAttempt,
			TrackingID: job.TrackingID,
			JobID:      job.ID,
			At:         time.Now(),
		})
	}

	info, sendErr := w.sender.Send(ctx, job.DraftID)
	if sendErr != nil {
		status := 0
		var se *SendError
		if errors.As(sendErr, &se) {
			status = se.Status
		}
		_, decision, err := w.manager.MarkFailed(ctx, job.ID, sendErr, status)
		if err != nil {
			return true, err
		}
		if decision.Classification.Code == CodeAuthError && w.stop != nil {
			if err := w.stop.Enable("transport credentials rejected", "sendworker"); err != nil {
				w.logger.Error("failed to engage kill switch after auth failure", zap.Error(err))
			}
		}
		return true, nil
	}

	if _, err := w.manager.MarkSent(ctx, job.ID, info); err != nil {
		return true, err
	}
	return true, nil
}
