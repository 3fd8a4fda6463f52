package killswitch

import "time"

// Source records what kind of actor engaged the switch. Automatic stops start
// a resume cooldown; manual operator stops do not.
type Source string

const (
	SourceAutomatic Source = "automatic"
	SourceManual    Source = "manual"
)

// State is the persisted switch record. LastStopAt/LastStopSource survive a
// Disable so the resume gate can still see when and how sending was last
// stopped after the switch itself is released.
type State struct {
	Enabled        bool       `json:"enabled"`
	Reason         string     `json:"reason"`
	SetBy          string     `json:"set_by"`
	SetAt          time.Time  `json:"set_at"`
	Source         Source     `json:"source"`
	LastStopAt     *time.Time `json:"last_stop_at,omitempty"`
	LastStopSource Source     `json:"last_stop_source,omitempty"`
}
