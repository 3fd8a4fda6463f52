package approval

import "time"

// Mode describes how the approved send will be executed.
type Mode string

const (
	// ModeAuto marks sends dispatched by the queue worker without further review.
	ModeAuto Mode = "auto"
	// ModeManual marks sends triggered interactively by an operator.
	ModeManual Mode = "manual"
)

// Payload is the decoded content of an approval token. It is immutable once
// issued; callers receive a copy and cannot alter the signed original.
type Payload struct {
	DraftID        string
	CompanyID      string
	TrackingID     string
	CandidateCount int
	Mode           Mode
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Verification is the outcome of checking a token. Expired tokens still carry
// the decoded payload so audit tooling can inspect what was approved.
type Verification struct {
	Valid   bool
	Expired bool
	Payload *Payload
	Reason  string
}
