package application

import (
	"math"
	"time"

	commands "mowerlink/internal/commands/domain"
)

// Decision is the next step after a failed attempt.
type Decision int

const (
	FailTerminal Decision = iota
	RetryWithBackoff
	ReauthAndRetry
)

func (d Decision) String() string {
	switch d {
	case RetryWithBackoff:
		return "retry"
	case ReauthAndRetry:
		return "reauth_retry"
	default:
		return "fail"
	}
}

// Backoff computes the wait before a retried attempt. A non-empty Schedule
// takes precedence; its last entry repeats for later attempts.
type Backoff struct {
	Schedule []time.Duration
	Base     time.Duration
	Factor   float64
	Max      time.Duration
}

// Delay returns the wait after the given (1-based) attempt failed.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if len(b.Schedule) > 0 {
		idx := attempt - 1
		if idx >= len(b.Schedule) {
			idx = len(b.Schedule) - 1
		}
		return b.Schedule[idx]
	}
	if b.Base <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(b.Base)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if b.Max > 0 && delay >= float64(b.Max) {
			return b.Max
		}
		if delay >= math.MaxInt64 {
			return time.Duration(math.MaxInt64)
		}
	}
	if b.Max > 0 && time.Duration(delay) > b.Max {
		return b.Max
	}
	return time.Duration(delay)
}

// RetryPolicy maps failure classifications to retry decisions.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
	ReauthOn    map[commands.Classification]bool
	RetryOn     map[commands.Classification]bool
}

// DefaultRetryPolicy returns three attempts with doubling backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second},
		ReauthOn: map[commands.Classification]bool{
			commands.AuthExpired:    true,
			commands.SessionInvalid: true,
		},
		RetryOn: map[commands.Classification]bool{
			commands.TransientNetwork: true,
			commands.ServerBusy:       true,
		},
	}
}

// Decide returns the decision for a failure of kind after attempt attempts.
func (p RetryPolicy) Decide(kind commands.Classification, attempt int) Decision {
	switch kind {
	case commands.ValidationRejected, commands.CredentialsInvalid, commands.Exhausted:
		return FailTerminal
	}
	if attempt >= p.MaxAttempts {
		return FailTerminal
	}
	if p.ReauthOn[kind] {
		return ReauthAndRetry
	}
	if p.RetryOn[kind] {
		return RetryWithBackoff
	}
	return FailTerminal
}

// Retryable reports whether kind is absorbed by the policy while attempts remain.
func (p RetryPolicy) Retryable(kind commands.Classification) bool {
	switch kind {
	case commands.ValidationRejected, commands.CredentialsInvalid, commands.Exhausted:
		return false
	}
	return p.ReauthOn[kind] || p.RetryOn[kind]
}

// Delay returns the backoff after the given attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Backoff.Delay(attempt)
}
