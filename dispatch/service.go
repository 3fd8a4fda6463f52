package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"outreachflow/approval"
	"outreachflow/metrics"
	"outreachflow/policy"
	"outreachflow/sendqueue"
)

// Denial reason codes specific to the direct-send path. Policy denials reuse
// the policy package's codes.
const (
	ReasonTokenInvalid       = "token_invalid"
	ReasonTokenExpired       = "token_expired"
	ReasonTokenDraftMismatch = "token_draft_mismatch"
)

var (
	// ErrMissingToken signals a direct send attempted without an approval token.
	ErrMissingToken = errors.New("dispatch: approval token required")
)

// TokenVerifier checks approval tokens.
type TokenVerifier interface {
	Verify(token string) approval.Verification
}

// Permission evaluates the composed send policy.
type Permission interface {
	CheckSendPermission(toEmail string, todayCount int) policy.Decision
}

// SendRequest is one direct, operator-triggered send.
type SendRequest struct {
	DraftID string
	ToEmail string
	Token   string
}

// SendResult distinguishes success, soft block (Reason set), and the
// identifiers of a delivered message. Hard failures come back as errors.
type SendResult struct {
	Sent      bool
	Reason    string
	Detail    string
	MessageID string
	ThreadID  string
	Notified  metrics.NotifyResult
}

// Service is the direct-send orchestrator: token check, policy check,
// transport call, event record. The queue path goes through the worker
// instead; this path exists for operator-triggered single sends.
type Service struct {
	tokens TokenVerifier
	policy Permission
	sender sendqueue.Sender
	store  metrics.Store
	events *metrics.Notifier
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates a direct-send service.
func NewService(tokens TokenVerifier, permission Permission, sender sendqueue.Sender, store metrics.Store, events *metrics.Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tokens: tokens,
		policy: permission,
		sender: sender,
		store:  store,
		events: events,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Send performs one authorized direct send. Authorization denials come back
// as a populated Reason, never as an error; errors are reserved for storage
// and transport failures.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if req.Token == "" {
		return SendResult{}, ErrMissingToken
	}
	if req.DraftID == "" {
		return SendResult{}, fmt.Errorf("dispatch: draft id required")
	}

	v := s.tokens.Verify(req.Token)
	switch {
	case v.Expired:
		return s.blocked(ctx, req, ReasonTokenExpired, "approval token expired; obtain a fresh approval", trackingID(v)), nil
	case !v.Valid:
		return s.blocked(ctx, req, ReasonTokenInvalid, v.Reason, trackingID(v)), nil
	case v.Payload.DraftID != req.DraftID:
		// A token authorizes exactly the draft it was issued for.
		return s.blocked(ctx, req, ReasonTokenDraftMismatch,
			fmt.Sprintf("token approves draft %s, not %s", v.Payload.DraftID, req.DraftID), trackingID(v)), nil
	}

	todayCount := 0
	if s.store != nil {
		var err error
		todayCount, err = metrics.SentToday(ctx, s.store, s.now())
		if err != nil {
			// The daily cap cannot be enforced without the count; refusing
			// to send is the safe side.
			return SendResult{}, fmt.Errorf("dispatch: today count unavailable: %w", err)
		}
	}

	if d := s.policy.CheckSendPermission(req.ToEmail, todayCount); !d.Allowed {
		return s.blocked(ctx, req, string(d.Reason), d.Detail, v.Payload.TrackingID), nil
	}

	fingerprint := approval.Fingerprint(req.Token)
	s.record(ctx, metrics.EventSendAttempt, "", v.Payload.TrackingID)
	s.logger.Info("direct send attempt",
		zap.String("draft_id", req.DraftID),
		zap.String("to_domain", policy.DomainOf(req.ToEmail)),
		zap.String("approval_fingerprint", fingerprint))

	info, err := s.sender.Send(ctx, req.DraftID)
	if err != nil {
		class := sendqueue.Classify(err, sendStatus(err))
		s.record(ctx, metrics.EventSendFailed, class.Code, v.Payload.TrackingID)
		return SendResult{}, fmt.Errorf("dispatch: send draft %s: %w", req.DraftID, err)
	}

	res := SendResult{
		Sent:      true,
		MessageID: info.MessageID,
		ThreadID:  info.ThreadID,
		Notified:  s.record(ctx, metrics.EventSendSuccess, "", v.Payload.TrackingID),
	}
	s.logger.Info("direct send delivered",
		zap.String("draft_id", req.DraftID),
		zap.String("message_id", info.MessageID))
	return res, nil
}

// blocked records the denial attributed to the tracking id when the token
// payload decoded; a garbage or foreign-signature token has none to give.
func (s *Service) blocked(ctx context.Context, req SendRequest, reason, detail, trackingID string) SendResult {
	res := SendResult{
		Reason:   reason,
		Detail:   detail,
		Notified: s.record(ctx, metrics.EventSendBlocked, reason, trackingID),
	}
	s.logger.Warn("direct send blocked",
		zap.String("draft_id", req.DraftID),
		zap.String("reason", reason),
		zap.String("detail", detail))
	return res
}

func (s *Service) record(ctx context.Context, eventType metrics.EventType, reason, trackingID string) metrics.NotifyResult {
	if s.events == nil {
		return metrics.NotifyResult{}
	}
	return s.events.Record(ctx, metrics.Event{
		Type:       eventType,
		Reason:     reason,
		TrackingID: trackingID,
		At:         s.now(),
	})
}

func trackingID(v approval.Verification) string {
	if v.Payload == nil {
		return ""
	}
	return v.Payload.TrackingID
}

func sendStatus(err error) int {
	var se *sendqueue.SendError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
