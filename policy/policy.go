package policy

import (
	"fmt"
	"strings"
)

// Reason identifies which gate denied a send. The codes are stable: operator
// tooling and metrics key off them.
type Reason string

const (
	ReasonEnvKillSwitch          Reason = "env_kill_switch"
	ReasonRuntimeKillSwitch      Reason = "runtime_kill_switch"
	ReasonAutoSendDisabled       Reason = "auto_send_disabled"
	ReasonAllowlistNotConfigured Reason = "allowlist_not_configured"
	ReasonRecipientNotAllowed    Reason = "recipient_not_allowed"
	ReasonRateLimited            Reason = "rate_limited"
)

// DefaultMaxPerDay caps outbound volume when no explicit limit is configured.
const DefaultMaxPerDay = 20

// Config carries the externally supplied policy knobs. Allowlists default to
// empty, which denies every recipient.
type Config struct {
	EnableAutoSend bool
	EnvKillSwitch  bool
	AllowedEmails  []string
	AllowedDomains []string
	MaxPerDay      int
}

// RuntimeSwitch is the persisted circuit breaker consulted on every decision.
type RuntimeSwitch interface {
	IsEnabled() bool
}

// Decision is the outcome of a full permission check. Reason and Detail are
// only set when Allowed is false.
type Decision struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

// RateLimitResult reports headroom under the daily cap.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	Limit     int
}

// SendPolicy composes the kill switches, enablement flag, recipient allowlist
// and daily cap into a single ordered allow/deny decision.
type SendPolicy struct {
	cfg            Config
	runtimeSwitch  RuntimeSwitch
	allowedEmails  map[string]struct{}
	allowedDomains map[string]struct{}
}

// New builds a policy over the given configuration and runtime switch.
func New(cfg Config, runtimeSwitch RuntimeSwitch) *SendPolicy {
	if cfg.MaxPerDay <= 0 {
		cfg.MaxPerDay = DefaultMaxPerDay
	}

	emails := make(map[string]struct{}, len(cfg.AllowedEmails))
	for _, e := range cfg.AllowedEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			emails[e] = struct{}{}
		}
	}
	domains := make(map[string]struct{}, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains[d] = struct{}{}
		}
	}

	return &SendPolicy{
		cfg:            cfg,
		runtimeSwitch:  runtimeSwitch,
		allowedEmails:  emails,
		allowedDomains: domains,
	}
}

// IsSendingEnabled reports whether sending is globally allowed: the enablement
// flag must be on and neither kill switch engaged.
func (p *SendPolicy) IsSendingEnabled() bool {
	if p.cfg.EnvKillSwitch {
		return false
	}
	if p.runtimeSwitch != nil && p.runtimeSwitch.IsEnabled() {
		return false
	}
	return p.cfg.EnableAutoSend
}

// HasAllowlist reports whether any recipient allowlist entry is configured.
func (p *SendPolicy) HasAllowlist() bool {
	return len(p.allowedEmails) > 0 || len(p.allowedDomains) > 0
}

// IsRecipientAllowed reports whether the address matches the email allowlist
// or its domain matches the domain allowlist. With nothing configured, every
// recipient is denied.
func (p *SendPolicy) IsRecipientAllowed(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	if _, ok := p.allowedEmails[email]; ok {
		return true
	}
	if _, domain, ok := strings.Cut(email, "@"); ok {
		if _, allowed := p.allowedDomains[domain]; allowed {
			return true
		}
	}
	return false
}

// CheckRateLimit reports whether another send fits under the daily cap.
func (p *SendPolicy) CheckRateLimit(todayCount int) RateLimitResult {
	remaining := p.cfg.MaxPerDay - todayCount
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   todayCount < p.cfg.MaxPerDay,
		Remaining: remaining,
		Limit:     p.cfg.MaxPerDay,
	}
}

// CheckSendPermission evaluates every gate in fixed priority order and returns
// the first failing reason. The ordering is a contract: kill switches outrank
// everything, and an unconfigured allowlist is reported distinctly from a
// recipient that simply does not match one.
func (p *SendPolicy) CheckSendPermission(toEmail string, todayCount int) Decision {
	if p.cfg.EnvKillSwitch {
		return Decision{Reason: ReasonEnvKillSwitch, Detail: "environment kill switch is set"}
	}
	if p.runtimeSwitch != nil && p.runtimeSwitch.IsEnabled() {
		return Decision{Reason: ReasonRuntimeKillSwitch, Detail: "runtime kill switch is engaged"}
	}
	if !p.cfg.EnableAutoSend {
		return Decision{Reason: ReasonAutoSendDisabled, Detail: "automatic sending is disabled"}
	}
	if !p.HasAllowlist() {
		return Decision{Reason: ReasonAllowlistNotConfigured, Detail: "no recipient allowlist configured; all sends denied"}
	}
	if !p.IsRecipientAllowed(toEmail) {
		return Decision{Reason: ReasonRecipientNotAllowed, Detail: fmt.Sprintf("recipient domain %q not on allowlist", domainOf(toEmail))}
	}
	if rl := p.CheckRateLimit(todayCount); !rl.Allowed {
		return Decision{Reason: ReasonRateLimited, Detail: fmt.Sprintf("daily cap reached (%d of %d)", todayCount, rl.Limit)}
	}
	return Decision{Allowed: true}
}

// DomainOf extracts the domain part of an address, lowercased. Used by callers
// that persist only the recipient domain.
func DomainOf(email string) string {
	return domainOf(email)
}

func domainOf(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, domain, ok := strings.Cut(email, "@"); ok {
		return domain
	}
	return ""
}
