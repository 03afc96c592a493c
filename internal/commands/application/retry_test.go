package application

import (
	"math"
	"testing"
	"time"

	commands "mowerlink/internal/commands/domain"
)

func TestRetryPolicyDecide(t *testing.T) {
	policy := DefaultRetryPolicy()
	cases := []struct {
		kind    commands.Classification
		attempt int
		want    Decision
	}{
		{commands.AuthExpired, 1, ReauthAndRetry},
		{commands.SessionInvalid, 2, ReauthAndRetry},
		{commands.TransientNetwork, 1, RetryWithBackoff},
		{commands.ServerBusy, 2, RetryWithBackoff},
		{commands.TransientNetwork, 3, FailTerminal},
		{commands.AuthExpired, 3, FailTerminal},
		{commands.ValidationRejected, 1, FailTerminal},
		{commands.CredentialsInvalid, 1, FailTerminal},
		{commands.Classification("mystery"), 1, FailTerminal},
	}
	for _, tc := range cases {
		if got := policy.Decide(tc.kind, tc.attempt); got != tc.want {
			t.Fatalf("decide(%s, %d): expected %s, got %s", tc.kind, tc.attempt, tc.want, got)
		}
	}
}

func TestRetryPolicyTerminalKindsIgnoreConfig(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.RetryOn[commands.ValidationRejected] = true
	policy.ReauthOn[commands.CredentialsInvalid] = true
	if policy.Decide(commands.ValidationRejected, 1) != FailTerminal {
		t.Fatalf("validation_rejected must be terminal")
	}
	if policy.Decide(commands.CredentialsInvalid, 1) != FailTerminal {
		t.Fatalf("credentials_invalid must be terminal")
	}
	if policy.Retryable(commands.ValidationRejected) {
		t.Fatalf("validation_rejected must not be retryable")
	}
}

func TestBackoffExponentialCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Max: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestBackoffUncappedSaturates(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 10}
	if got := b.Delay(400); got != time.Duration(math.MaxInt64) {
		t.Fatalf("expected saturation at max duration, got %d", got)
	}
	if got := b.Delay(3); got != 100*time.Second {
		t.Fatalf("attempt 3: got %s", got)
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := Backoff{Schedule: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond}, Base: time.Hour}
	if got := b.Delay(1); got != 100*time.Millisecond {
		t.Fatalf("attempt 1: got %s", got)
	}
	if got := b.Delay(2); got != 500*time.Millisecond {
		t.Fatalf("attempt 2: got %s", got)
	}
	if got := b.Delay(7); got != 500*time.Millisecond {
		t.Fatalf("attempt 7: got %s", got)
	}
	if got := (Backoff{}).Delay(3); got != 0 {
		t.Fatalf("zero backoff: got %s", got)
	}
}
