package engine

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/Paintersrp/cheese/internal/config"
)

const (
	defaultBackoffMin    = time.Second
	defaultBackoffMax    = 30 * time.Second
	defaultBackoffFactor = 2.0
)

// RetryPolicy controls how often a failed or killed job is attempted again.
// MaxRetries of -1 retries until the context or the session budget ends.
type RetryPolicy struct {
	MaxRetries int
	Min        time.Duration
	Max        time.Duration
	Factor     float64
}

// DefaultRetryPolicy never retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Min: defaultBackoffMin, Max: defaultBackoffMax, Factor: defaultBackoffFactor}
}

// DerivePolicy turns a job file retry block into a RetryPolicy, filling in
// the defaults for anything left unset.
func DerivePolicy(rp *config.RetryPolicy) RetryPolicy {
	pol := DefaultRetryPolicy()
	if rp == nil {
		return pol
	}

	switch {
	case rp.MaxRetries < 0:
		pol.MaxRetries = -1
	default:
		pol.MaxRetries = rp.MaxRetries
	}
	if rp.Backoff != nil {
		if rp.Backoff.Min.Duration > 0 {
			pol.Min = rp.Backoff.Min.Duration
		}
		if rp.Backoff.Max.Duration > 0 {
			pol.Max = rp.Backoff.Max.Duration
		}
		if rp.Backoff.Factor > 0 {
			pol.Factor = rp.Backoff.Factor
		}
	}
	return pol.normalized()
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < -1 {
		p.MaxRetries = -1
	}
	if p.Min <= 0 {
		p.Min = defaultBackoffMin
	}
	if p.Max <= 0 {
		p.Max = defaultBackoffMax
	}
	if p.Max < p.Min {
		p.Max = p.Min
	}
	if p.Factor < 1 {
		p.Factor = defaultBackoffFactor
	}
	return p
}

func (p RetryPolicy) allowRetry(retries int) bool {
	if p.MaxRetries < 0 {
		return true
	}
	return retries < p.MaxRetries
}

// nextBackoff returns the delay to apply now and the base for the following
// retry.
func (p RetryPolicy) nextBackoff(base time.Duration) (time.Duration, time.Duration) {
	delay := base
	if delay <= 0 {
		delay = p.Min
	}
	if delay > p.Max {
		delay = p.Max
	}

	next := float64(delay) * p.Factor
	if math.IsInf(next, 0) || next > float64(p.Max) {
		return delay, p.Max
	}
	n := time.Duration(next)
	if n < p.Min {
		n = p.Min
	}
	return delay, n
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// Equal jitter: random duration in [d/2, d].
	half := d / 2
	return half + time.Duration(rand.Float64()*float64(d-half))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
