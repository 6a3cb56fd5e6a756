// Package circuitbreaker trips per SMTP host after repeated send failures,
// so one dead relay cannot burn every worker's retry budget. After a
// cooldown a single probe send is let through; its outcome closes or
// reopens the circuit.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type hostState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	hosts     map[string]*hostState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		hosts:     make(map[string]*hostState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// Allow reports whether a send to host may proceed. The first call after
// the cooldown elapses moves the circuit to half-open and admits exactly
// one probe; further calls are rejected until the probe's outcome is
// recorded.
func (cb *CircuitBreaker) Allow(host string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	h, ok := cb.hosts[host]
	if !ok {
		return nil
	}

	switch h.state {
	case stateOpen:
		if cb.clock().Sub(h.openedAt) >= cb.cooldown {
			h.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(host string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	h, ok := cb.hosts[host]
	if !ok {
		return
	}
	h.state = stateClosed
	h.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(host string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	h, ok := cb.hosts[host]
	if !ok {
		h = &hostState{}
		cb.hosts[host] = h
	}

	h.consecutiveFailures++
	if h.consecutiveFailures >= cb.threshold {
		h.state = stateOpen
		h.openedAt = cb.clock()
	}
}
