package session

import "time"

// Tier selects which configured wait follows a failed connect.
type Tier int

const (
	TierNone Tier = iota
	TierShort
	TierLong
)

func (t Tier) String() string {
	switch t {
	case TierShort:
		return "short"
	case TierLong:
		return "long"
	default:
		return "none"
	}
}

// RetryState tracks connect history for tier selection.
type RetryState struct {
	ConsecutiveFailures int
	// EverConnected is set by a successful connect and cleared by Reset.
	EverConnected bool
	Tier          Tier
	Wait          time.Duration
	LastAttempt   time.Time
}

// Begin records the start of a connect attempt.
func (r *RetryState) Begin(now time.Time) {
	r.LastAttempt = now
}

func (r *RetryState) Succeeded() {
	r.ConsecutiveFailures = 0
	r.EverConnected = true
	r.Tier = TierNone
	r.Wait = 0
}

// Failed records a failed attempt and returns the chosen wait. Secure channel
// failures always take the long tier.
func (r *RetryState) Failed(cfg BackoffConfig, secure bool) time.Duration {
	r.ConsecutiveFailures++
	r.Tier = TierShort
	switch {
	case secure, !r.EverConnected:
		r.Tier = TierLong
	case cfg.ShortAttempts > 0 && r.ConsecutiveFailures > cfg.ShortAttempts:
		r.Tier = TierLong
	}
	if r.Tier == TierShort {
		r.Wait = cfg.ShortWait
	} else {
		r.Wait = cfg.LongWait
	}
	return r.Wait
}

// Reset forgets connect history after an explicit configuration-driven
// disconnect. The next attempt may start immediately.
func (r *RetryState) Reset() {
	*r = RetryState{}
}

// NextAttempt is measured from the start of the failed attempt.
func (r *RetryState) NextAttempt() time.Time {
	if r.Wait <= 0 || r.LastAttempt.IsZero() {
		return time.Time{}
	}
	return r.LastAttempt.Add(r.Wait)
}

// Remaining returns how long the caller must still wait at now.
func (r *RetryState) Remaining(now time.Time) time.Duration {
	next := r.NextAttempt()
	if next.IsZero() || !now.Before(next) {
		return 0
	}
	return next.Sub(now)
}
