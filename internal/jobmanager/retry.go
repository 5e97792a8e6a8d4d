package jobmanager

import (
	"math"
	"math/rand/v2"
	"time"
)

// MinBackoff is the floor applied to every computed retry delay.
const MinBackoff = 100 * time.Millisecond

// maxDelay caps strategies that have no Max of their own.
const maxDelay = time.Duration(math.MaxInt64)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(_ int) time.Duration { return c.Interval }

// Linear delays Initial * attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	limit := l.Max
	if limit <= 0 {
		limit = maxDelay
	}
	if l.Initial > 0 && time.Duration(attempt) > limit/l.Initial {
		return limit
	}
	return l.Initial * time.Duration(attempt)
}

// Exponential delays Initial * 2^(attempt-1), capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return exponentialDelay(e.Initial, e.Max, attempt)
}

// ExponentialWithJitter picks a random delay in [0, min(Initial * 2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := exponentialDelay(e.Initial, e.Max, attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter does not need crypto rand
}

// exponentialDelay computes initial * 2^(attempt-1) and clamps it to max, or maxDelay when
// max is unset, before converting to a Duration.
func exponentialDelay(initial, max time.Duration, attempt int) time.Duration {
	if max <= 0 {
		max = maxDelay
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if math.IsNaN(d) || d >= float64(max) {
		return max
	}
	return time.Duration(d)
}

// RetryPolicy maps a failed attempt to its backoff.
type RetryPolicy struct {
	Backoff        Strategy
	PendingBackoff Strategy
}

// DefaultRetryPolicy uses jittered exponential backoff (1s..1m) for transient errors and a
// linear 5s..5m backoff for pending ones.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:        ExponentialWithJitter{Initial: time.Second, Max: time.Minute},
		PendingBackoff: Linear{Initial: 5 * time.Second, Max: 5 * time.Minute},
	}
}

// Delay returns the floored backoff for the given error kind and attempt.
func (p RetryPolicy) Delay(kind Kind, attempt int) time.Duration {
	s := p.Backoff
	if kind == KindPending && p.PendingBackoff != nil {
		s = p.PendingBackoff
	}
	var d time.Duration
	if s != nil {
		d = s.Delay(attempt)
	}
	if d < MinBackoff {
		d = MinBackoff
	}
	return d
}

// verdict is the outcome of a failed run.
type verdict struct {
	retry    bool
	attempt  int
	runAfter time.Time
}

// decideFailure applies the retry rules to a failed run: a non-retryable error fails the
// job; otherwise the attempt counter advances and the job fails once attempts or lifespan
// are exhausted, or is scheduled again after backoff.
func (p RetryPolicy) decideFailure(params Parameters, shouldRetry bool, kind Kind, now time.Time) verdict {
	if !shouldRetry {
		return verdict{attempt: params.Attempt}
	}
	attempt := params.Attempt + 1
	if params.MaxAttempts != Unlimited && attempt >= params.MaxAttempts {
		return verdict{attempt: attempt}
	}
	if params.Lifespan > 0 && now.Sub(params.CreateTime) >= params.Lifespan {
		return verdict{attempt: attempt}
	}
	return verdict{retry: true, attempt: attempt, runAfter: now.Add(p.Delay(kind, attempt))}
}
