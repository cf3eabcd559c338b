package circuit

import (
	"sync"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/LerianStudio/lib-commons/v2/commons/log"
)

// State represents the position of a breaker in its lifecycle.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the canonical lowercase name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return constant.BreakerStateClosed
	case StateOpen:
		return constant.BreakerStateOpen
	case StateHalfOpen:
		return constant.BreakerStateHalfOpen
	default:
		return "unknown"
	}
}

// Config carries the failure-gating thresholds for one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips CLOSED -> OPEN.
	FailureThreshold int `validate:"gte=1"`

	// SuccessThreshold is the number of half-open successes required to close.
	SuccessThreshold int `validate:"gte=1"`

	// OpenTimeout is how long the breaker stays OPEN after the last failure
	// before it admits recovery probes.
	OpenTimeout time.Duration `validate:"gt=0"`

	// HalfOpenMaxProbes bounds how many probe executions HALF-OPEN admits.
	HalfOpenMaxProbes int `validate:"gte=1"`
}

// DefaultConfig returns the breaker thresholds used when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  constant.BreakerFailureThreshold,
		SuccessThreshold:  constant.BreakerSuccessThreshold,
		OpenTimeout:       constant.BreakerOpenTimeout,
		HalfOpenMaxProbes: constant.BreakerHalfOpenMaxProbes,
	}
}

// Counts is a point-in-time snapshot of the breaker counters.
type Counts struct {
	Failures          int
	HalfOpenSuccesses int
	LastFailureAt     time.Time
}

// Breaker is a three-state circuit breaker guarding one database node.
//
// CLOSED admits everything and decays the failure counter on success, so a
// node needs FailureThreshold consecutive failures (not lifetime failures) to
// trip. OPEN fast-fails until OpenTimeout has elapsed since the last failure,
// then flips to HALF-OPEN on the next Allow. HALF-OPEN admits up to
// HalfOpenMaxProbes probe executions; SuccessThreshold successes close the
// breaker, any failure reopens it immediately.
type Breaker struct {
	name   string
	config Config
	logger log.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time

	onStateChange func(name string, from, to State)

	now func() time.Time
}

// New creates a closed breaker for the named node.
func New(name string, config Config, logger log.Logger) *Breaker {
	return &Breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// OnStateChange registers a hook invoked after every state transition.
// Must be called before the breaker is shared between goroutines.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.onStateChange = fn
}

// Name returns the node name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether an execution may proceed right now.
// An OPEN breaker whose OpenTimeout has elapsed flips to HALF-OPEN and
// admits the caller as a recovery probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.config.OpenTimeout {
			b.transition(StateHalfOpen)
			b.successes = 0

			return true
		}

		return false
	case StateHalfOpen:
		return b.successes < b.config.HalfOpenMaxProbes
	default:
		return false
	}
}

// RecordSuccess feeds a successful execution back into the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
		}
	case StateClosed:
		// Decay rather than reset: a steady trickle of failures under load
		// should still trip the breaker eventually.
		if b.failures > 0 {
			b.failures--
		}
	case StateOpen:
		// Late result from an execution admitted before the trip. Ignored.
	}
}

// RecordFailure feeds a failed execution back into the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateOpen:
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Counts returns a snapshot of the breaker counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Counts{
		Failures:          b.failures,
		HalfOpenSuccesses: b.successes,
		LastFailureAt:     b.lastFailure,
	}
}

// Reset forces the breaker back to CLOSED with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transition(StateClosed)
	}

	b.failures = 0
	b.successes = 0

	b.logger.Infof("Circuit breaker [%s] manually reset", b.name)
}

// transition flips the state, logs it, and fires the registered hook.
// Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}

	b.state = to

	b.logger.Warnf("Circuit breaker [%s] state changed: %s -> %s", b.name, from.String(), to.String())

	switch to {
	case StateOpen:
		b.logger.Errorf("Circuit breaker [%s] OPENED - node is unhealthy, requests will fast-fail", b.name)
	case StateHalfOpen:
		b.logger.Infof("Circuit breaker [%s] HALF-OPEN - testing node recovery", b.name)
	case StateClosed:
		b.logger.Infof("Circuit breaker [%s] CLOSED - node is healthy", b.name)
	}

	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
