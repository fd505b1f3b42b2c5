package domain

import (
	"math"
	"math/rand"
)

type RetryStrategy string

const (
	RetryExponential            RetryStrategy = "EXPONENTIAL"
	RetryExponentialFullJitter  RetryStrategy = "EXPONENTIAL_FULL_JITTER"
	RetryExponentialEqualJitter RetryStrategy = "EXPONENTIAL_EQUAL_JITTER"
	RetryLinear                 RetryStrategy = "LINEAR"
	RetryLinearFullJitter       RetryStrategy = "LINEAR_FULL_JITTER"
	RetryLinearEqualJitter      RetryStrategy = "LINEAR_EQUAL_JITTER"
	RetryFixed                  RetryStrategy = "FIXED"
	RetryFixedFullJitter        RetryStrategy = "FIXED_FULL_JITTER"
	RetryFixedEqualJitter       RetryStrategy = "FIXED_EQUAL_JITTER"
)

const (
	DefaultMaxRetries    = 3
	DefaultBackoffFactor = 2000 // ms
	DefaultExponent      = 2
)

// RetryPolicy decides how many times a failed state is retried and how long
// each retry waits before it may be enqueued. All durations are milliseconds.
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	Strategy      RetryStrategy `json:"strategy" yaml:"strategy"`
	BackoffFactor int64         `json:"backoff_factor" yaml:"backoff_factor"`
	Exponent      int           `json:"exponent" yaml:"exponent"`
	MaxDelay      *int64        `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    DefaultMaxRetries,
		Strategy:      RetryExponential,
		BackoffFactor: DefaultBackoffFactor,
		Exponent:      DefaultExponent,
	}
}

// ComputeDelay returns the backoff in milliseconds before retry number attempt (1-based).
func (p RetryPolicy) ComputeDelay(attempt int) int64 {
	return p.computeDelay(attempt, rand.Int63n)
}

func (p RetryPolicy) computeDelay(attempt int, int63n func(int64) int64) int64 {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 0 {
		factor = 0
	}

	var base int64
	switch p.Strategy {
	case RetryLinear, RetryLinearFullJitter, RetryLinearEqualJitter:
		base = saturatingMul(factor, float64(attempt))
	case RetryFixed, RetryFixedFullJitter, RetryFixedEqualJitter:
		base = factor
	default:
		exp := p.Exponent
		if exp < 1 {
			exp = DefaultExponent
		}
		base = saturatingMul(factor, math.Pow(float64(exp), float64(attempt-1)))
	}

	// Cap before jitter so the random range stays bounded.
	if p.MaxDelay != nil && base > *p.MaxDelay {
		base = *p.MaxDelay
	}

	switch p.Strategy {
	case RetryExponentialFullJitter, RetryLinearFullJitter, RetryFixedFullJitter:
		if base > 0 && base < math.MaxInt64 {
			base = int63n(base + 1)
		}
	case RetryExponentialEqualJitter, RetryLinearEqualJitter, RetryFixedEqualJitter:
		half := base / 2
		if half > 0 {
			base = half + int63n(half+1)
		}
	}

	if p.MaxDelay != nil && base > *p.MaxDelay {
		base = *p.MaxDelay
	}
	if base < 0 {
		return 0
	}
	return base
}

func saturatingMul(factor int64, n float64) int64 {
	v := float64(factor) * n
	if v >= math.MaxInt64 || math.IsInf(v, 1) {
		return math.MaxInt64
	}
	return int64(v)
}

func (s RetryStrategy) Valid() bool {
	switch s {
	case RetryExponential, RetryExponentialFullJitter, RetryExponentialEqualJitter,
		RetryLinear, RetryLinearFullJitter, RetryLinearEqualJitter,
		RetryFixed, RetryFixedFullJitter, RetryFixedEqualJitter:
		return true
	default:
		return false
	}
}
