//go:build unit

// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package property

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/LerianStudio/lib-commons/v2/commons/zap"
	"github.com/LerianStudio/lib-dbcluster/pkg/circuit"
)

func newBreaker(cfg circuit.Config) *circuit.Breaker {
	logger := zap.InitializeLogger()
	return circuit.New("property-node", cfg, logger)
}

// Property 1: the breaker must open after exactly FailureThreshold consecutive
// failures, and not one failure earlier.
func TestProperty_CircuitBreaker_OpensAtThreshold(t *testing.T) {
	property := func(threshold uint8) bool {
		n := int(threshold%30) + 1

		b := newBreaker(circuit.Config{
			FailureThreshold:  n,
			SuccessThreshold:  1,
			OpenTimeout:       time.Hour,
			HalfOpenMaxProbes: 1,
		})

		for i := 0; i < n-1; i++ {
			b.RecordFailure()
		}

		if b.State() != circuit.StateClosed {
			t.Logf("breaker opened after %d failures with threshold %d", n-1, n)
			return false
		}

		b.RecordFailure()

		if b.State() != circuit.StateOpen {
			t.Logf("breaker still %s after %d failures with threshold %d", b.State(), n, n)
			return false
		}

		return true
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 20}); err != nil {
		t.Errorf("Property violated: open threshold: %v", err)
	}
}

// Property 2: an open breaker rejects every execution until OpenTimeout elapses.
func TestProperty_CircuitBreaker_OpenRejectsAll(t *testing.T) {
	b := newBreaker(circuit.Config{
		FailureThreshold:  1,
		SuccessThreshold:  1,
		OpenTimeout:       time.Hour,
		HalfOpenMaxProbes: 1,
	})
	b.RecordFailure()

	property := func(attempts uint8) bool {
		for i := uint8(0); i <= attempts%50; i++ {
			if b.Allow() {
				t.Logf("open breaker admitted execution on attempt %d", i)
				return false
			}
		}

		return b.State() == circuit.StateOpen
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 20}); err != nil {
		t.Errorf("Property violated: open state admits traffic: %v", err)
	}
}

// Property 3: successes decay the failure counter one by one, so k failures
// followed by k successes leave a closed breaker that still needs the full
// threshold to trip.
func TestProperty_CircuitBreaker_SuccessDecaysFailures(t *testing.T) {
	property := func(failures uint8) bool {
		threshold := 31
		k := int(failures % 30)

		b := newBreaker(circuit.Config{
			FailureThreshold:  threshold,
			SuccessThreshold:  1,
			OpenTimeout:       time.Hour,
			HalfOpenMaxProbes: 1,
		})

		for i := 0; i < k; i++ {
			b.RecordFailure()
		}

		for i := 0; i < k; i++ {
			b.RecordSuccess()
		}

		if b.State() != circuit.StateClosed {
			t.Logf("breaker %s after %d failures fully decayed", b.State(), k)
			return false
		}

		return b.Counts().Failures == 0
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 20}); err != nil {
		t.Errorf("Property violated: success decay: %v", err)
	}
}

// Property 4: once OpenTimeout has elapsed the breaker admits a probe, and
// SuccessThreshold probe successes close it again.
func TestProperty_CircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	property := func(successes uint8) bool {
		need := int(successes%5) + 1

		b := newBreaker(circuit.Config{
			FailureThreshold:  1,
			SuccessThreshold:  need,
			OpenTimeout:       time.Nanosecond,
			HalfOpenMaxProbes: need,
		})

		b.RecordFailure()
		time.Sleep(time.Microsecond)

		if !b.Allow() {
			t.Logf("breaker refused probe after OpenTimeout elapsed")
			return false
		}

		if b.State() != circuit.StateHalfOpen {
			t.Logf("breaker %s after probe admission, want half-open", b.State())
			return false
		}

		for i := 0; i < need; i++ {
			b.RecordSuccess()
		}

		if b.State() != circuit.StateClosed {
			t.Logf("breaker %s after %d half-open successes", b.State(), need)
			return false
		}

		return true
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 20}); err != nil {
		t.Errorf("Property violated: half-open recovery: %v", err)
	}
}

// Property 5: any failure during half-open reopens the breaker immediately,
// regardless of how many probe successes preceded it.
func TestProperty_CircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	property := func(successes uint8) bool {
		need := int(successes%5) + 2

		b := newBreaker(circuit.Config{
			FailureThreshold:  1,
			SuccessThreshold:  need,
			OpenTimeout:       time.Nanosecond,
			HalfOpenMaxProbes: need,
		})

		b.RecordFailure()
		time.Sleep(time.Microsecond)

		if !b.Allow() {
			return false
		}

		// One success short of closing, then a failure.
		for i := 0; i < need-1; i++ {
			b.RecordSuccess()
		}

		b.RecordFailure()

		if b.State() != circuit.StateOpen {
			t.Logf("breaker %s after half-open failure, want open", b.State())
			return false
		}

		return true
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 20}); err != nil {
		t.Errorf("Property violated: half-open failure handling: %v", err)
	}
}

// Property 6: no sequence of events drives the breaker into an undefined
// state, and Reset always restores a clean closed breaker.
func TestProperty_CircuitBreaker_StateAlwaysDefined(t *testing.T) {
	property := func(ops []byte) bool {
		if len(ops) > 200 {
			ops = ops[:200]
		}

		b := newBreaker(circuit.Config{
			FailureThreshold:  3,
			SuccessThreshold:  2,
			OpenTimeout:       time.Nanosecond,
			HalfOpenMaxProbes: 2,
		})

		for _, op := range ops {
			switch op % 3 {
			case 0:
				b.Allow()
			case 1:
				b.RecordSuccess()
			case 2:
				b.RecordFailure()
			}

			switch b.State() {
			case circuit.StateClosed, circuit.StateOpen, circuit.StateHalfOpen:
			default:
				t.Logf("breaker reached undefined state %d", b.State())
				return false
			}
		}

		b.Reset()

		return b.State() == circuit.StateClosed && b.Counts().Failures == 0
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 30}); err != nil {
		t.Errorf("Property violated: undefined breaker state: %v", err)
	}
}

// Benchmark: cost of the Allow fast path on a closed breaker.
func BenchmarkBreakerAllow(b *testing.B) {
	br := newBreaker(circuit.DefaultConfig())

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		br.Allow()
	}
}
