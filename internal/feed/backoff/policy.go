// Package backoff decides when the next request may go out after failures.
package backoff

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Config struct {
	// Base is the wait after the first failure
	Base time.Duration
	// Cap bounds the exponential wait
	Cap time.Duration
	// HighWater is the number of consecutive failures tolerated before the
	// long recovery wait applies
	HighWater int
	// RecoveryWait is the fixed wait once HighWater is exceeded
	RecoveryWait time.Duration
}

// Policy tracks consecutive failures and the earliest time the next request
// may be dispatched. The exponential term comes from an ExponentialBackOff
// with randomization disabled, so the n-th consecutive failure waits exactly
// min(Base*2^(n-1), Cap).
type Policy struct {
	cfg Config

	mu          sync.Mutex
	exp         *backoff.ExponentialBackOff
	failures    int
	wait        time.Duration
	nextAllowed time.Time
	recovering  bool
}

func NewPolicy(cfg Config) *Policy {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.Cap,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	return &Policy{cfg: cfg, exp: exp}
}

// MayDispatch reports whether a request may start at now. Once a recovery
// wait has fully elapsed the failure counter is cleared.
func (p *Policy) MayDispatch(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Before(p.nextAllowed) {
		return false
	}
	if p.recovering {
		p.resetLocked()
	}
	return true
}

// RecordSuccess clears all failure state
func (p *Policy) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

// RecordFailure counts one failure observed at now and pushes the next
// allowed dispatch out. A failure while recovering leaves the recovery
// deadline where it is.
func (p *Policy) RecordFailure(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.recovering {
		return
	}

	p.failures++
	if p.cfg.HighWater > 0 && p.failures > p.cfg.HighWater {
		p.recovering = true
		p.wait = p.cfg.RecoveryWait
		p.nextAllowed = now.Add(p.wait)
		return
	}

	wait := p.exp.NextBackOff()
	if wait == backoff.Stop || wait > p.cfg.Cap {
		wait = p.cfg.Cap
	}
	p.wait = wait
	p.nextAllowed = now.Add(wait)
}

// CurrentWait is the wait applied by the most recent failure, zero when the
// last outcome was a success.
func (p *Policy) CurrentWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wait
}

// Failures is the number of consecutive failures
func (p *Policy) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Recovering reports whether the long recovery wait is in effect
func (p *Policy) Recovering() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recovering
}

// NextAllowed is the earliest time MayDispatch returns true
func (p *Policy) NextAllowed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextAllowed
}

func (p *Policy) resetLocked() {
	p.failures = 0
	p.wait = 0
	p.nextAllowed = time.Time{}
	p.recovering = false
	p.exp.Reset()
}
