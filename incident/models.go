package incident

import "time"

// Status represents the lifecycle of an incident record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Severity ranks an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Record mirrors the incidents table.
type Record struct {
	ID         string
	Title      string
	Severity   Severity
	Status     Status
	OpenedBy   string
	OpenedAt   time.Time
	ResolvedAt *time.Time
}
