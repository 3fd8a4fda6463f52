package sendqueue

import (
	"math/rand"
	"strings"
	"time"
)

// Action is what the retry policy decided to do with a failed attempt.
type Action string

const (
	// ActionRetry requeues the job with a future next-attempt time.
	ActionRetry Action = "retry"
	// ActionDeadLetter parks the job until an operator replays it.
	ActionDeadLetter Action = "dead_letter"
	// ActionFail terminates the job; retrying can never succeed.
	ActionFail Action = "failed"
)

// Error classification codes. Stable: operators and metrics key off them.
const (
	CodeRateLimited    = "rate_limited"
	CodeAuthError      = "auth_error"
	CodeInvalidRequest = "invalid_request"
	CodeServerError    = "server_error"
	CodeUnclassified   = "unclassified"
)

// Classification labels a delivery failure.
type Classification struct {
	Code      string
	Retryable bool
}

// Decision is the computed outcome for one failed attempt.
type Decision struct {
	Action         Action
	Classification Classification
	NextAttemptAt  time.Time
}

// Defaults for the retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 5 * time.Minute
	DefaultBackoffCap  = 6 * time.Hour
)

// RetryPolicy classifies delivery failures and decides whether a job retries,
// dead-letters, or fails. Two distinct paths reach dead_letter: non-retryable
// failures land there immediately, and retryable failures land there once the
// attempt ceiling is hit. Operators rely on the classification code to tell
// "fix and replay" apart from "root-cause first".
type RetryPolicy struct {
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	jitter      func(max time.Duration) time.Duration
	now         func() time.Time
}

// NewRetryPolicy creates a retry policy. Zero values select the defaults.
func NewRetryPolicy(maxAttempts int, backoffBase, backoffCap time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	if backoffCap <= 0 {
		backoffCap = DefaultBackoffCap
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
		now: time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (p *RetryPolicy) WithClock(now func() time.Time) *RetryPolicy {
	p.now = now
	return p
}

// WithJitter overrides the jitter source, for tests.
func (p *RetryPolicy) WithJitter(jitter func(max time.Duration) time.Duration) *RetryPolicy {
	p.jitter = jitter
	return p
}

// MaxAttempts exposes the configured attempt ceiling.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// HandleFailure classifies a failed attempt and computes the transition.
// attemptsSoFar counts attempts already made, including the one that just
// failed.
func (p *RetryPolicy) HandleFailure(attemptsSoFar int, sendErr error, httpStatus int) Decision {
	class := Classify(sendErr, httpStatus)

	if !class.Retryable {
		action := ActionDeadLetter
		if class.Code == CodeInvalidRequest {
			// The draft itself is gone or rejected; a replay of the same
			// job can never succeed, dead-lettering it would only invite
			// a pointless operator retry.
			action = ActionFail
		}
		return Decision{Action: action, Classification: class}
	}

	if attemptsSoFar >= p.maxAttempts {
		return Decision{Action: ActionDeadLetter, Classification: class}
	}

	return Decision{
		Action:         ActionRetry,
		Classification: class,
		NextAttemptAt:  p.now().Add(p.Backoff(attemptsSoFar)),
	}
}

// Backoff computes the delay before the next attempt: base * 2^attempts,
// bounded by the cap, plus jitter up to half the base.
func (p *RetryPolicy) Backoff(attempts int) time.Duration {
	delay := p.backoffBase
	for i := 0; i < attempts && delay < p.backoffCap; i++ {
		delay *= 2
	}
	if delay > p.backoffCap {
		delay = p.backoffCap
	}
	return delay + p.jitter(p.backoffBase/2)
}

// Classify maps a transport failure onto a stable error code. The HTTP status
// wins when present; otherwise the error text is sniffed. Unknown failures are
// treated as retryable so a novel transient fault does not instantly dead-letter
// a job; the attempt ceiling still bounds the damage.
func Classify(sendErr error, httpStatus int) Classification {
	switch {
	case httpStatus == 429:
		return Classification{Code: CodeRateLimited, Retryable: true}
	case httpStatus == 401 || httpStatus == 403:
		return Classification{Code: CodeAuthError, Retryable: false}
	case httpStatus == 400 || httpStatus == 404 || httpStatus == 410:
		return Classification{Code: CodeInvalidRequest, Retryable: false}
	case httpStatus >= 500:
		return Classification{Code: CodeServerError, Retryable: true}
	}

	if sendErr != nil {
		msg := strings.ToLower(sendErr.Error())
		switch {
		case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
			return Classification{Code: CodeRateLimited, Retryable: true}
		case strings.Contains(msg, "invalid credentials"), strings.Contains(msg, "invalid_grant"),
			strings.Contains(msg, "unauthorized"), strings.Contains(msg, "token has been expired or revoked"):
			return Classification{Code: CodeAuthError, Retryable: false}
		}
	}

	return Classification{Code: CodeUnclassified, Retryable: true}
}
