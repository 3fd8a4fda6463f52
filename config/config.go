package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"outreachflow/approval"
	"outreachflow/policy"
	"outreachflow/resume"
	"outreachflow/sendqueue"
)

// Config carries every externally supplied knob for the send pipeline.
// Allowlists default to empty, which denies all recipients.
type Config struct {
	DatabaseURL string

	ApprovalSecret string
	ApprovalTTL    time.Duration

	EnableAutoSend bool
	EnvKillSwitch  bool
	KillSwitchPath string
	AllowedEmails  []string
	AllowedDomains []string
	MaxPerDay      int

	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	ResumeCooldown  time.Duration
	PollInterval    time.Duration
	ReplyRateWindow time.Duration
	ReplyRateFloor  float64

	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	SenderAddress string
	SenderName    string
}

// Load reads the configuration from the environment, applying defaults for
// everything except the database URL. A set but malformed value is an error,
// never a silent fallback: a typo in the daily cap must not quietly become
// the default.
func Load() (Config, error) {
	var env envReader
	cfg := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ApprovalSecret:  os.Getenv("OUTREACH_APPROVAL_SECRET"),
		ApprovalTTL:     env.duration("OUTREACH_APPROVAL_TTL", approval.DefaultTTL),
		EnableAutoSend:  env.boolean("OUTREACH_ENABLE_AUTO_SEND", false),
		EnvKillSwitch:   env.boolean("OUTREACH_KILL_SWITCH", false),
		KillSwitchPath:  env.str("OUTREACH_KILL_SWITCH_PATH", "data/kill_switch.json"),
		AllowedEmails:   env.list("OUTREACH_ALLOWED_EMAILS"),
		AllowedDomains:  env.list("OUTREACH_ALLOWED_DOMAINS"),
		MaxPerDay:       env.integer("OUTREACH_MAX_PER_DAY", policy.DefaultMaxPerDay),
		MaxAttempts:     env.integer("OUTREACH_MAX_ATTEMPTS", sendqueue.DefaultMaxAttempts),
		BackoffBase:     env.duration("OUTREACH_BACKOFF_BASE", sendqueue.DefaultBackoffBase),
		BackoffCap:      env.duration("OUTREACH_BACKOFF_CAP", sendqueue.DefaultBackoffCap),
		ResumeCooldown:  env.duration("OUTREACH_RESUME_COOLDOWN", resume.DefaultCooldown),
		PollInterval:    env.duration("OUTREACH_POLL_INTERVAL", 30*time.Second),
		ReplyRateWindow: env.duration("OUTREACH_REPLY_RATE_WINDOW", 7*24*time.Hour),
		ReplyRateFloor:  env.float("OUTREACH_REPLY_RATE_FLOOR", 0),
		SMTPHost:        env.str("OUTREACH_SMTP_HOST", "localhost"),
		SMTPPort:        env.integer("OUTREACH_SMTP_PORT", 587),
		SMTPUser:        os.Getenv("OUTREACH_SMTP_USER"),
		SMTPPassword:    os.Getenv("OUTREACH_SMTP_PASSWORD"),
		SenderAddress:   env.str("OUTREACH_SENDER_ADDRESS", "outreach@localhost"),
		SenderName:      env.str("OUTREACH_SENDER_NAME", "Outreach"),
	}
	return cfg, errors.Join(env.errs...)
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.ApprovalTTL <= 0 {
		return fmt.Errorf("config: approval TTL must be positive, got %v", c.ApprovalTTL)
	}
	if c.KillSwitchPath == "" {
		return fmt.Errorf("config: kill switch path is required")
	}
	if c.MaxPerDay <= 0 {
		return fmt.Errorf("config: daily cap must be positive, got %d", c.MaxPerDay)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("config: backoff base must be positive, got %v", c.BackoffBase)
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("config: backoff cap %v is below the base %v", c.BackoffCap, c.BackoffBase)
	}
	if c.ResumeCooldown < 0 {
		return fmt.Errorf("config: resume cooldown cannot be negative, got %v", c.ResumeCooldown)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval must be positive, got %v", c.PollInterval)
	}
	if c.SMTPHost == "" || c.SMTPPort <= 0 {
		return fmt.Errorf("config: smtp relay %s:%d is invalid", c.SMTPHost, c.SMTPPort)
	}
	return nil
}

// PolicyConfig maps the relevant knobs onto the send policy's configuration.
func (c Config) PolicyConfig() policy.Config {
	return policy.Config{
		EnableAutoSend: c.EnableAutoSend,
		EnvKillSwitch:  c.EnvKillSwitch,
		AllowedEmails:  c.AllowedEmails,
		AllowedDomains: c.AllowedDomains,
		MaxPerDay:      c.MaxPerDay,
	}
}

// envReader parses environment values and collects every parse failure so
// Load can report them all at once.
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("config: %s=%q: %w", key, value, err))
}

func (r *envReader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r *envReader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *envReader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *envReader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return f
}

func (r *envReader) list(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
