package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"outreachflow/sendqueue"
)

// Draft is a prepared outbound email, ready to hand to the wire.
type Draft struct {
	To         string
	Subject    string
	Body       string
	TrackingID string
}

// DraftSource resolves a draft id to its prepared content. Drafts are
// produced upstream of the send pipeline.
type DraftSource interface {
	Load(ctx context.Context, draftID string) (Draft, error)
}

// SMTPConfig carries the SMTP relay settings.
type SMTPConfig struct {
	Host               string
	Port               int
	User               string
	Password           string
	SenderAddress      string
	SenderName         string
	InsecureSkipVerify bool
}

// SMTPSender delivers drafts over an SMTP relay. Retry and backoff stay with
// the queue; a Send here is exactly one wire attempt.
type SMTPSender struct {
	dialer *gomail.Dialer
	drafts DraftSource
	from   string
	name   string
	newID  func() string
	logger *zap.Logger
}

// NewSMTPSender creates a sender over the given relay and draft source.
func NewSMTPSender(cfg SMTPConfig, drafts DraftSource, logger *zap.Logger) *SMTPSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.InsecureSkipVerify {
		logger.Warn("smtp TLS verification disabled", zap.String("host", cfg.Host))
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &SMTPSender{
		dialer: d,
		drafts: drafts,
		from:   cfg.SenderAddress,
		name:   cfg.SenderName,
		newID:  uuid.NewString,
		logger: logger,
	}
}

// WithIDGenerator overrides message id generation, for tests.
func (s *SMTPSender) WithIDGenerator(gen func() string) *SMTPSender {
	s.newID = gen
	return s
}

// Send resolves the draft and makes one delivery attempt.
func (s *SMTPSender) Send(ctx context.Context, draftID string) (sendqueue.SentInfo, error) {
	draft, err := s.drafts.Load(ctx, draftID)
	if err != nil {
		return sendqueue.SentInfo{}, &sendqueue.SendError{Status: 404, Err: fmt.Errorf("transport: load draft %s: %w", draftID, err)}
	}

	messageID := fmt.Sprintf("<%s@%s>", s.newID(), domainOf(s.from))
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", s.from, s.name)
	msg.SetHeader("To", draft.To)
	msg.SetHeader("Subject", draft.Subject)
	msg.SetHeader("Message-ID", messageID)
	msg.SetBody("text/html", draft.Body)

	if err := s.dialer.DialAndSend(msg); err != nil {
		return sendqueue.SentInfo{}, &sendqueue.SendError{Status: smtpStatus(err), Err: fmt.Errorf("transport: send draft %s: %w", draftID, err)}
	}

	s.logger.Info("draft delivered",
		zap.String("draft_id", draftID),
		zap.String("message_id", messageID))
	// A fresh outbound message starts its own thread.
	return sendqueue.SentInfo{MessageID: messageID, ThreadID: messageID}, nil
}

// smtpStatus maps SMTP reply codes onto the HTTP-shaped statuses the retry
// classifier understands. Unknown failures stay 0 and fall through to text
// sniffing.
func smtpStatus(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "535") || strings.Contains(msg, "530"):
		return 401
	case strings.Contains(msg, "550") || strings.Contains(msg, "553"):
		return 400
	case strings.Contains(msg, "421") || strings.Contains(msg, "450") || strings.Contains(msg, "451"):
		return 503
	case strings.Contains(msg, "452"):
		return 429
	}
	return 0
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i+1 < len(addr) {
		return addr[i+1:]
	}
	return "localhost"
}
