// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package backoff

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/constant"
)

// Strategy selects how the delay grows between retry attempts.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyFixed       Strategy = "fixed"
)

// ParseStrategy maps a configuration string onto a Strategy.
// Unknown values fall back to StrategyFixed so a typo in external config
// degrades to predictable constant delays instead of failing startup.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyExponential, StrategyLinear, StrategyFibonacci, StrategyFixed:
		return Strategy(s)
	default:
		return StrategyFixed
	}
}

// Policy describes the retry envelope for one node or transaction.
type Policy struct {
	// MaxAttempts bounds the total number of executions, first try included.
	MaxAttempts int `validate:"gte=1"`

	// Strategy selects the delay growth curve.
	Strategy Strategy `validate:"oneof=exponential linear fibonacci fixed"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `validate:"gt=0"`

	// MaxDelay caps every computed delay.
	MaxDelay time.Duration `validate:"gtefield=BaseDelay"`

	// Multiplier is the growth factor for the exponential strategy.
	Multiplier float64 `validate:"gte=1"`

	// Jitter scales each delay by a uniform random factor in [0.5, 1.0]
	// to prevent thundering herd across callers retrying in lockstep.
	Jitter bool
}

// DefaultPolicy returns the retry envelope used when the caller supplies none.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: constant.RetryMaxAttempts,
		Strategy:    StrategyExponential,
		BaseDelay:   constant.RetryBaseDelay,
		MaxDelay:    constant.RetryMaxDelay,
		Multiplier:  constant.RetryBackoffMultiplier,
		Jitter:      true,
	}
}

// Delay computes the sleep before retrying after the given zero-based attempt.
// The result is clamped to MaxDelay before jitter is applied, so jittered
// delays never exceed MaxDelay either.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	}

	base := float64(p.BaseDelay)
	limit := float64(p.MaxDelay)

	var raw float64

	switch p.Strategy {
	case StrategyExponential:
		raw = base
		for i := 0; i < attempt && raw < limit; i++ {
			raw *= p.Multiplier
		}
	case StrategyLinear:
		raw = base * float64(attempt+1)
	case StrategyFibonacci:
		raw = base * float64(fibonacci(attempt+1))
	default:
		// StrategyFixed and anything unrecognized.
		raw = base
	}

	if p.MaxDelay > 0 && raw > limit {
		raw = limit
	}

	delay := time.Duration(raw)

	if p.Jitter {
		return jitter(delay)
	}

	return delay
}

// Sleep blocks for d or until the context ends, whichever comes first,
// returning the context error in the latter case. Retry loops use it so
// inter-attempt waits stay cancellable.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// jitter scales d by a uniform random factor in [0.5, 1.0].
// Uses crypto/rand for unbiased distribution.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	half := d / 2

	n, err := rand.Int(rand.Reader, big.NewInt(int64(half)+1))
	if err != nil {
		// Fallback to the unjittered delay if crypto/rand fails (extremely unlikely).
		return d
	}

	return half + time.Duration(n.Int64())
}

// fibonacci returns the n-th fibonacci number (1, 1, 2, 3, 5, ...).
// Capped iteration keeps the multiplication safely inside int64 for any
// attempt count a retry loop can realistically reach.
func fibonacci(n int) int64 {
	if n <= 2 {
		return 1
	}

	if n > 64 {
		n = 64
	}

	var a, b int64 = 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}

	return b
}
