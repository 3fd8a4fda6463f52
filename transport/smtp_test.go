package transport

import (
	"context"
	"errors"
	"testing"

	"outreachflow/sendqueue"
)

type failingDrafts struct {
	err error
}

func (f *failingDrafts) Load(ctx context.Context, draftID string) (Draft, error) {
	return Draft{}, f.err
}

func TestSend_MissingDraftIsInvalidRequest(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 587, SenderAddress: "out@example.com"},
		&failingDrafts{err: errors.New("no such draft")}, nil)

	_, err := s.Send(context.Background(), "draft-missing")
	if err == nil {
		t.Fatal("expected an error")
	}
	var se *sendqueue.SendError
	if !errors.As(err, &se) || se.Status != 404 {
		t.Fatalf("expected a 404 send error, got %v", err)
	}
	if class := sendqueue.Classify(err, se.Status); class.Retryable {
		t.Fatal("a missing draft must not be retried")
	}
}

func TestSMTPStatus(t *testing.T) {
	cases := []struct {
		msg  string
		want int
	}{
		{"535 5.7.8 authentication credentials invalid", 401},
		{"530 5.7.0 authentication required", 401},
		{"550 5.1.1 mailbox unavailable", 400},
		{"421 4.7.0 try again later", 503},
		{"452 4.2.2 insufficient system storage", 429},
		{"connection reset by peer", 0},
	}
	for _, tc := range cases {
		if got := smtpStatus(errors.New(tc.msg)); got != tc.want {
			t.Errorf("smtpStatus(%q) = %d, want %d", tc.msg, got, tc.want)
		}
	}
}

func TestDomainOf(t *testing.T) {
	if got := domainOf("out@example.com"); got != "example.com" {
		t.Errorf("domainOf = %q", got)
	}
	if got := domainOf("bare"); got != "localhost" {
		t.Errorf("domainOf fallback = %q", got)
	}
}
