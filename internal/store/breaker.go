package store

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects requests
var ErrCircuitOpen = errors.New("store circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int
}

// Breaker stops page requests to a store after consecutive failed pages
// and lets a few trials through once RecoveryTimeout has passed
type Breaker struct {
	cfg       BreakerConfig
	state     breakerState
	failures  int
	trials    int
	successes int
	openedAt  time.Time
	now       func() time.Time
	mu        sync.Mutex
}

// NewBreaker creates a new Breaker
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a request may be sent now
func (b *Breaker) Allow() bool {
	if !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.state = breakerHalfOpen
		b.trials = 0
		b.successes = 0
		fallthrough
	case breakerHalfOpen:
		if b.trials >= b.cfg.HalfOpenRequests {
			return false
		}
		b.trials++
		return true
	default:
		return true
	}
}

// Success records a request that reached the store and got an answer
func (b *Breaker) Success() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenRequests {
			b.state = breakerClosed
			b.failures = 0
		}
	case breakerClosed:
		b.failures = 0
	}
}

// Failure records a request that failed after its retries
func (b *Breaker) Failure() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = breakerOpen
			b.openedAt = b.now()
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// Release returns a trial slot taken by Allow whose request ended without
// an answer from the store
func (b *Breaker) Release() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen && b.trials > 0 {
		b.trials--
	}
}

// State returns the current state name
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
