package resume

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Check names, stable for operator tooling.
const (
	CheckRuntimeKillSwitch   = "runtime_kill_switch"
	CheckEnvKillSwitch       = "env_kill_switch"
	CheckAutoSendEnabled     = "auto_send_enabled"
	CheckAllowlistConfigured = "allowlist_configured"
	CheckCooldown            = "cooldown"
	CheckReplyRate           = "reply_rate"
	CheckOpenIncident        = "open_incident"
)

// DefaultCooldown is how long after an automatic stop sending stays gated.
const DefaultCooldown = 24 * time.Hour

// CheckResult is the outcome of a single health check.
type CheckResult struct {
	Blocked bool
	Detail  string
}

// Result aggregates all checks. Hard check failures populate Blockers and
// force OK false; soft checks only ever add Warnings, which a forced resume
// must still surface.
type Result struct {
	OK       bool
	Blockers []string
	Warnings []string
	Checks   map[string]CheckResult
}

// Stop describes the most recent sending stop.
type Stop struct {
	At        time.Time
	Automatic bool
}

// StopReader reports the most recent stop, or nil when sending was never
// stopped (or the record was cleared).
type StopReader interface {
	LastStop(ctx context.Context) (*Stop, error)
}

// SendGate exposes the policy state the gate re-checks.
type SendGate interface {
	HasAllowlist() bool
}

// RuntimeSwitch is the persisted circuit breaker.
type RuntimeSwitch interface {
	IsEnabled() bool
}

// ReplyRateReader reports the observed reply rate and the floor it should
// recover to. Implementations derive it from delivery and reply events.
type ReplyRateReader interface {
	ReplyRate(ctx context.Context) (rate, floor float64, err error)
}

// IncidentReader reports whether any incident is still open.
type IncidentReader interface {
	HasOpenIncident(ctx context.Context) (bool, string, error)
}

// Gate aggregates independent health and safety checks before sending may
// resume after a stop.
type Gate struct {
	runtimeSwitch RuntimeSwitch
	envKillSwitch bool
	autoSend      bool
	sendGate      SendGate
	stops         StopReader
	replies       ReplyRateReader
	incidents     IncidentReader
	cooldown      time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

// Config wires the gate's collaborators. Replies and Incidents may be nil;
// their soft checks then pass vacuously.
type Config struct {
	RuntimeSwitch RuntimeSwitch
	EnvKillSwitch bool
	AutoSend      bool
	SendGate      SendGate
	Stops         StopReader
	Replies       ReplyRateReader
	Incidents     IncidentReader
	Cooldown      time.Duration
}

// NewGate creates a resume gate.
func NewGate(cfg Config, logger *zap.Logger) *Gate {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		runtimeSwitch: cfg.RuntimeSwitch,
		envKillSwitch: cfg.EnvKillSwitch,
		autoSend:      cfg.AutoSend,
		sendGate:      cfg.SendGate,
		stops:         cfg.Stops,
		replies:       cfg.Replies,
		incidents:     cfg.Incidents,
		cooldown:      cfg.Cooldown,
		now:           time.Now,
		logger:        logger,
	}
}

// WithClock overrides the time source, for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Evaluate runs every check and aggregates the outcome. Nothing is persisted;
// each call observes the current state fresh.
func (g *Gate) Evaluate(ctx context.Context) Result {
	res := Result{Checks: make(map[string]CheckResult)}

	hard := func(name string, blocked bool, detail string) {
		res.Checks[name] = CheckResult{Blocked: blocked, Detail: detail}
		if blocked {
			res.Blockers = append(res.Blockers, name)
		}
	}
	soft := func(name string, warn bool, detail string) {
		res.Checks[name] = CheckResult{Detail: detail}
		if warn {
			res.Warnings = append(res.Warnings, name)
		}
	}

	if g.runtimeSwitch != nil && g.runtimeSwitch.IsEnabled() {
		hard(CheckRuntimeKillSwitch, true, "runtime kill switch is still engaged")
	} else {
		hard(CheckRuntimeKillSwitch, false, "runtime kill switch off")
	}

	hard(CheckEnvKillSwitch, g.envKillSwitch, boolDetail(g.envKillSwitch,
		"environment kill switch is set", "environment kill switch off"))

	hard(CheckAutoSendEnabled, !g.autoSend, boolDetail(!g.autoSend,
		"automatic sending is disabled in configuration", "automatic sending enabled"))

	noAllowlist := g.sendGate == nil || !g.sendGate.HasAllowlist()
	hard(CheckAllowlistConfigured, noAllowlist, boolDetail(noAllowlist,
		"no recipient allowlist configured", "recipient allowlist configured"))

	g.checkCooldown(ctx, hard)

	g.checkReplyRate(ctx, soft)
	g.checkIncidents(ctx, soft)

	res.OK = len(res.Blockers) == 0
	if !res.OK {
		g.logger.Info("resume blocked",
			zap.Strings("blockers", res.Blockers),
			zap.Strings("warnings", res.Warnings))
	}
	return res
}

// checkCooldown blocks while an automatic stop is younger than the cooldown.
// Manual operator stops do not start a cooldown: a human who stopped sending
// may resume it promptly, while an auto-stop/auto-resume oscillation must not.
func (g *Gate) checkCooldown(ctx context.Context, hard func(string, bool, string)) {
	if g.stops == nil {
		hard(CheckCooldown, false, "no stop history source configured")
		return
	}
	stop, err := g.stops.LastStop(ctx)
	if err != nil {
		// Unknown stop history fails closed, same as the kill switch.
		hard(CheckCooldown, true, fmt.Sprintf("stop history unreadable: %v", err))
		return
	}
	if stop == nil {
		hard(CheckCooldown, false, "no recorded stop")
		return
	}
	if !stop.Automatic {
		hard(CheckCooldown, false, "last stop was manual; no cooldown applies")
		return
	}
	elapsed := g.now().Sub(stop.At)
	if elapsed < g.cooldown {
		hard(CheckCooldown, true, fmt.Sprintf("automatic stop %s ago; cooldown is %s", elapsed.Round(time.Minute), g.cooldown))
		return
	}
	hard(CheckCooldown, false, fmt.Sprintf("cooldown elapsed (%s since automatic stop)", elapsed.Round(time.Minute)))
}

func (g *Gate) checkReplyRate(ctx context.Context, soft func(string, bool, string)) {
	if g.replies == nil {
		soft(CheckReplyRate, false, "no reply rate source configured")
		return
	}
	rate, floor, err := g.replies.ReplyRate(ctx)
	if err != nil {
		soft(CheckReplyRate, true, fmt.Sprintf("reply rate unavailable: %v", err))
		return
	}
	if rate < floor {
		soft(CheckReplyRate, true, fmt.Sprintf("reply rate %.2f%% below floor %.2f%%", rate*100, floor*100))
		return
	}
	soft(CheckReplyRate, false, fmt.Sprintf("reply rate %.2f%% at or above floor", rate*100))
}

func (g *Gate) checkIncidents(ctx context.Context, soft func(string, bool, string)) {
	if g.incidents == nil {
		soft(CheckOpenIncident, false, "no incident source configured")
		return
	}
	open, detail, err := g.incidents.HasOpenIncident(ctx)
	if err != nil {
		soft(CheckOpenIncident, true, fmt.Sprintf("incident state unavailable: %v", err))
		return
	}
	if open {
		soft(CheckOpenIncident, true, "open incident: "+detail)
		return
	}
	soft(CheckOpenIncident, false, "no open incidents")
}

func boolDetail(cond bool, whenTrue, whenFalse string) string {
	if cond {
		return whenTrue
	}
	return whenFalse
}
