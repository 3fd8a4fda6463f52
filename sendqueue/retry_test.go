package sendqueue

import (
	"errors"
	"testing"
	"time"
)

func noJitter(time.Duration) time.Duration { return 0 }

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		wantCode  string
		retryable bool
	}{
		{"http 429", errors.New("slow down"), 429, CodeRateLimited, true},
		{"http 401", errors.New("nope"), 401, CodeAuthError, false},
		{"http 403", errors.New("nope"), 403, CodeAuthError, false},
		{"http 400", errors.New("bad draft"), 400, CodeInvalidRequest, false},
		{"http 404", errors.New("draft gone"), 404, CodeInvalidRequest, false},
		{"http 500", errors.New("boom"), 500, CodeServerError, true},
		{"http 503", errors.New("overloaded"), 503, CodeServerError, true},
		{"rate limit text", errors.New("user rate limit exceeded"), 0, CodeRateLimited, true},
		{"revoked token text", errors.New("Token has been expired or revoked."), 0, CodeAuthError, false},
		{"invalid grant text", errors.New("oauth2: invalid_grant"), 0, CodeAuthError, false},
		{"mystery", errors.New("connection reset by peer"), 0, CodeUnclassified, true},
		{"no error no status", nil, 0, CodeUnclassified, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err, tc.status)
			if got.Code != tc.wantCode || got.Retryable != tc.retryable {
				t.Fatalf("Classify(%v, %d) = %+v, want code=%s retryable=%v",
					tc.err, tc.status, got, tc.wantCode, tc.retryable)
			}
		})
	}
}

func TestHandleFailure_AttemptCeiling(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewRetryPolicy(3, time.Minute, time.Hour).
		WithClock(func() time.Time { return now }).
		WithJitter(noJitter)

	// One attempt below the ceiling the same failure still retries.
	d := p.HandleFailure(2, errors.New("boom"), 500)
	if d.Action != ActionRetry {
		t.Fatalf("at attempts=maxAttempts-1 expected retry, got %s", d.Action)
	}
	if !d.NextAttemptAt.After(now) {
		t.Fatalf("retry must schedule a future attempt, got %v", d.NextAttemptAt)
	}

	// At the ceiling the identical failure dead-letters.
	d = p.HandleFailure(3, errors.New("boom"), 500)
	if d.Action != ActionDeadLetter {
		t.Fatalf("at attempts=maxAttempts expected dead_letter, got %s", d.Action)
	}
	if d.Classification.Code != CodeServerError || !d.Classification.Retryable {
		t.Fatalf("exhaustion must keep the retryable classification, got %+v", d.Classification)
	}
}

func TestHandleFailure_NonRetryable(t *testing.T) {
	p := NewRetryPolicy(3, time.Minute, time.Hour).WithJitter(noJitter)

	// Credential failures dead-letter immediately, attempt count irrelevant.
	d := p.HandleFailure(0, errors.New("invalid credentials"), 401)
	if d.Action != ActionDeadLetter {
		t.Fatalf("auth failure at attempts=0 expected dead_letter, got %s", d.Action)
	}
	if d.Classification.Code != CodeAuthError || d.Classification.Retryable {
		t.Fatalf("unexpected classification %+v", d.Classification)
	}

	// A draft that no longer exists terminates the job outright.
	d = p.HandleFailure(0, errors.New("draft not found"), 404)
	if d.Action != ActionFail {
		t.Fatalf("invalid request expected terminal fail, got %s", d.Action)
	}
}

func TestBackoff_ExponentialAndBounded(t *testing.T) {
	p := NewRetryPolicy(10, time.Minute, time.Hour).WithJitter(noJitter)

	want := []struct {
		attempts int
		delay    time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{10, time.Hour}, // capped
	}
	for _, tc := range want {
		if got := p.Backoff(tc.attempts); got != tc.delay {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.delay)
		}
	}
}

func TestBackoff_JitterWithinBounds(t *testing.T) {
	p := NewRetryPolicy(5, time.Minute, time.Hour)

	for i := 0; i < 50; i++ {
		got := p.Backoff(1)
		if got < 2*time.Minute || got >= 2*time.Minute+30*time.Second {
			t.Fatalf("jittered Backoff(1) = %v outside [2m, 2m30s)", got)
		}
	}
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	p := NewRetryPolicy(0, 0, 0)
	if p.MaxAttempts() != DefaultMaxAttempts {
		t.Errorf("expected default max attempts %d, got %d", DefaultMaxAttempts, p.MaxAttempts())
	}
	if p.backoffBase != DefaultBackoffBase || p.backoffCap != DefaultBackoffCap {
		t.Errorf("unexpected defaults: base=%v cap=%v", p.backoffBase, p.backoffCap)
	}
}
