package resume

import (
	"context"
	"fmt"
	"time"

	"outreachflow/incident"
	"outreachflow/killswitch"
	"outreachflow/metrics"
)

// KillSwitchStops reads the last stop from the kill-switch record, which keeps
// its stop attribution even after the switch is released.
type KillSwitchStops struct {
	Switch *killswitch.Switch
}

func (s *KillSwitchStops) LastStop(ctx context.Context) (*Stop, error) {
	state, err := s.Switch.State()
	if err != nil {
		return nil, err
	}
	if state == nil || state.LastStopAt == nil {
		return nil, nil
	}
	return &Stop{
		At:        *state.LastStopAt,
		Automatic: state.LastStopSource == killswitch.SourceAutomatic,
	}, nil
}

// EventReplyRates derives the reply rate from delivery events: replies over
// successful sends within the window. With no sends in the window there is
// nothing to judge and the floor check passes vacuously.
type EventReplyRates struct {
	Store  metrics.Store
	Window time.Duration
	Floor  float64
	now    func() time.Time
}

func NewEventReplyRates(store metrics.Store, window time.Duration, floor float64) *EventReplyRates {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &EventReplyRates{Store: store, Window: window, Floor: floor, now: time.Now}
}

func (r *EventReplyRates) ReplyRate(ctx context.Context) (float64, float64, error) {
	since := r.now().Add(-r.Window)
	sent, err := r.Store.CountSince(ctx, metrics.EventSendSuccess, since)
	if err != nil {
		return 0, 0, err
	}
	if sent == 0 {
		return r.Floor, r.Floor, nil
	}
	replies, err := r.Store.CountSince(ctx, metrics.EventReplyReceived, since)
	if err != nil {
		return 0, 0, err
	}
	return float64(replies) / float64(sent), r.Floor, nil
}

// RepositoryIncidents reports open incidents from the incident store.
type RepositoryIncidents struct {
	Repo *incident.Repository
}

func (r *RepositoryIncidents) HasOpenIncident(ctx context.Context) (bool, string, error) {
	open, err := r.Repo.ListOpen(ctx)
	if err != nil {
		return false, "", err
	}
	if len(open) == 0 {
		return false, "", nil
	}
	first := open[0]
	detail := fmt.Sprintf("%s (%s, opened %s)", first.Title, first.Severity, first.OpenedAt.Format(time.RFC3339))
	if len(open) > 1 {
		detail = fmt.Sprintf("%s and %d more", detail, len(open)-1)
	}
	return true, detail, nil
}
