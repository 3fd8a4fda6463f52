package killswitch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Switch is a persisted circuit breaker that unconditionally blocks sends
// while engaged, independent of process restarts.
//
// The read semantics are asymmetric on purpose: a missing record means "never
// engaged" and sending is allowed, but a record that exists and cannot be
// parsed reports the switch as engaged. Ambiguity must never silently permit
// sending.
type Switch struct {
	path   string
	now    func() time.Time
	logger *zap.Logger
}

// NewSwitch creates a switch persisted at the given path.
func NewSwitch(path string, logger *zap.Logger) *Switch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Switch{
		path:   path,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock overrides the time source, for tests.
func (s *Switch) WithClock(now func() time.Time) *Switch {
	s.now = now
	return s
}

// IsEnabled reports whether the switch currently blocks sending. Read
// failures fail closed.
func (s *Switch) IsEnabled() bool {
	state, err := s.State()
	if err != nil {
		s.logger.Error("kill switch record unreadable, failing closed", zap.String("path", s.path), zap.Error(err))
		return true
	}
	if state == nil {
		return false
	}
	return state.Enabled
}

// State returns the persisted record, or nil when the switch has never been
// set (or was cleared).
func (s *Switch) State() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("killswitch: read state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("killswitch: parse state: %w", err)
	}
	return &state, nil
}

// Enable engages the switch, recording who stopped sending and why. The stop
// timestamp and source are also captured as the last stop, which Disable
// preserves.
func (s *Switch) Enable(reason, setBy string, source Source) error {
	if source == "" {
		source = SourceManual
	}
	now := s.now()
	state := State{
		Enabled:        true,
		Reason:         reason,
		SetBy:          setBy,
		SetAt:          now,
		Source:         source,
		LastStopAt:     &now,
		LastStopSource: source,
	}
	if err := s.write(state); err != nil {
		return err
	}
	s.logger.Warn("kill switch engaged",
		zap.String("reason", reason),
		zap.String("set_by", setBy),
		zap.String("source", string(source)))
	return nil
}

// Disable releases the switch while keeping the record (and the last stop
// attribution) in place.
func (s *Switch) Disable(reason, setBy string) error {
	prior, err := s.State()
	if err != nil {
		// An unreadable record should not make the switch impossible to
		// release; the overwrite below replaces it wholesale.
		s.logger.Error("kill switch record unreadable during disable, overwriting", zap.Error(err))
	}

	state := State{
		Enabled: false,
		Reason:  reason,
		SetBy:   setBy,
		SetAt:   s.now(),
		Source:  SourceManual,
	}
	if prior != nil {
		state.LastStopAt = prior.LastStopAt
		state.LastStopSource = prior.LastStopSource
	}
	if err := s.write(state); err != nil {
		return err
	}
	s.logger.Info("kill switch released",
		zap.String("reason", reason),
		zap.String("set_by", setBy))
	return nil
}

// Clear removes the record entirely, returning the switch to its never-set
// state. This also discards the last-stop attribution.
func (s *Switch) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("killswitch: clear state: %w", err)
	}
	return nil
}

// write replaces the record atomically: the whole state is serialized to a
// temp file in the same directory and renamed over the old record, so a
// concurrent reader never observes a torn write.
func (s *Switch) write(state State) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("killswitch: create state dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("killswitch: encode state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".killswitch-*")
	if err != nil {
		return fmt.Errorf("killswitch: create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("killswitch: write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("killswitch: close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("killswitch: replace state: %w", err)
	}
	return nil
}
