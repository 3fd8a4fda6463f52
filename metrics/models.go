package metrics

import "time"

// EventType labels one append-only delivery event.
type EventType string

const (
	EventSendAttempt   EventType = "send_attempt"
	EventSendSuccess   EventType = "send_success"
	EventSendFailed    EventType = "send_failed"
	EventSendBlocked   EventType = "send_blocked"
	EventReplyReceived EventType = "reply_received"
)

// Event is one append-only record. Reason carries the stable policy or
// classification code that produced the event.
type Event struct {
	Type       EventType
	Reason     string
	TrackingID string
	JobID      string
	At         time.Time
}

// NotifyResult reports whether a best-effort event append reached the store.
// Callers can assert on it without coupling their correctness to delivery.
type NotifyResult struct {
	Sent bool
}
