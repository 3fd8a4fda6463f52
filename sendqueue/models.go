package sendqueue

import "time"

// Status is the lifecycle state of a send job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status admits no further automatic
// transition. Dead-lettered jobs are terminal until an operator replays them.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusDeadLetter, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one durable send-queue record. Only the recipient domain is retained,
// never the full address, so the store holds no recipient PII.
type Job struct {
	ID                  string
	DraftID             string
	TrackingID          string
	CompanyID           string
	TemplateID          string
	ABVariant           string
	ToDomain            string
	ApprovalFingerprint string
	Status              Status
	Attempts            int
	NextAttemptAt       time.Time
	InProgressStartedAt *time.Time
	SentAt              *time.Time
	MessageID           string
	ThreadID            string
	LastErrorCode       string
	LastErrorMsgHash    string
	CancelledBy         string
	CancelReason        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EnqueueParams enumerates the fields callers supply when queuing a send.
type EnqueueParams struct {
	DraftID             string
	TrackingID          string
	CompanyID           string
	TemplateID          string
	ABVariant           string
	ToDomain            string
	ApprovalFingerprint string
}

// SentInfo carries the transport identifiers recorded when a send succeeds.
type SentInfo struct {
	MessageID string
	ThreadID  string
}
