// Package backoff computes retry delays. Strategies are stateless and safe for
// concurrent use; Delay is non-decreasing in the attempt number.
package backoff

import (
	"math"
	"time"
)

type Strategy interface {
	// Delay returns the wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant { return &Constant{Interval: interval} }

func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Linear returns min(Initial*attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

func (l *Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// overflow guard, checked before multiplying
	if l.Initial > 0 && time.Duration(attempt) > time.Duration(math.MaxInt64)/l.Initial {
		if l.Max > 0 {
			return l.Max
		}
		return time.Duration(math.MaxInt64)
	}
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential returns min(Initial*2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && f > float64(e.Max) {
		return e.Max
	}
	// overflow guard for very large attempt counts without a cap
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// Default is the task retry strategy: 1s doubling, capped at 5m.
func Default() Strategy { return NewExponential(time.Second, 5*time.Minute) }
