package mssql

import (
	"math/rand"
	"time"
)

// RetryPolicy implements an exponential-backoff recovery policy for
// the small set of transient conditions that are safe to retry: deadlock
// victim (1205), Azure "service busy" (40613), and a timed-out wait for a
// pool connection (PoolTimeoutError). A command timeout is not classified
// as retryable.
type RetryPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     bool
	MaxRetries int
}

// DefaultRetryPolicy holds the default retry tuning: bounded attempts with jittered exponential backoff on transient errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:    100 * time.Millisecond,
		Multiplier: 2.0,
		Cap:        30 * time.Second,
		Jitter:     true,
		MaxRetries: 3,
	}
}

// transientErrorNumbers lists the server error numbers considered safe to
// retry under this policy.
var transientErrorNumbers = map[int32]bool{
	1205:  true, // deadlock victim
	40613: true, // Azure SQL: database not currently available / service busy
}

// Retryable reports whether err represents a transient condition this
// policy is allowed to retry.
func (p RetryPolicy) Retryable(err error) bool {
	if e, ok := err.(Error); ok {
		return transientErrorNumbers[e.Number]
	}
	if _, ok := err.(PoolTimeoutError); ok {
		return true
	}
	return false
}

// Backoff returns the delay to wait before retry attempt n (0-indexed),
// capped and optionally jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	capped := time.Duration(d)
	if capped > p.Cap || capped < 0 {
		capped = p.Cap
	}
	if p.Jitter {
		capped = time.Duration(float64(capped) * (0.5 + rand.Float64()*0.5))
	}
	return capped
}
