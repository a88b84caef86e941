// Package circuitbreaker stops calling an upstream API that keeps failing.
//
// A breaker watches the outcome of the last MaxFailures calls. It opens when
// MaxFailures calls in a row fail, or when the window is full and its failure
// rate reaches FailureThreshold. After Timeout it lets HalfOpenMaxCalls probe
// calls through; that many successes close it, any failure reopens it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/timeline-harvester/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when every half-open probe slot is taken
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxFailures      int           // consecutive failures that open the circuit; also the rate window size
	FailureThreshold float64       // failure rate (0.0-1.0) over the window that opens the circuit
	Timeout          time.Duration // time spent open before probing
	HalfOpenMaxCalls int
	// IsFailure decides which errors count against the upstream. Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, with the lock released
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the settings used for the timeline API
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      10,
		FailureThreshold: 0.5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker guards calls to an upstream API
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	changedAt   time.Time
	window      []bool // ring of recent outcomes, true = failure
	next        int
	filled      int
	consecutive int
	probes      int
	probeOK     int

	failures     int
	successes    int
	lastFailure  time.Time
	totalCalls   int
	rejectedCall int
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		cfg:       cfg,
		now:       time.Now,
		state:     StateClosed,
		changedAt: time.Now(),
		window:    make([]bool, cfg.MaxFailures),
	}
}

// Execute runs fn unless the circuit rejects the call
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from, to, err := cb.admit()
	cb.notify(from, to)
	if err != nil {
		return err
	}

	callErr := fn()

	failed := callErr != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(callErr))
	from, to = cb.record(failed)
	cb.notify(from, to)

	return callErr
}

// admit decides whether a call may go through, moving open to half-open once the timeout passed
func (cb *CircuitBreaker) admit() (State, State, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.changedAt) <= cb.cfg.Timeout {
			cb.rejectedCall++
			return from, from, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probes = 1
		cb.totalCalls++
		return from, StateHalfOpen, nil

	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxCalls {
			cb.rejectedCall++
			return from, from, ErrTooManyRequests
		}
		cb.probes++
	}

	cb.totalCalls++
	return from, from, nil
}

// record stores a call outcome and applies the resulting transition
func (cb *CircuitBreaker) record(failed bool) (State, State) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from := cb.state

	if failed {
		cb.failures++
		cb.consecutive++
		cb.lastFailure = cb.now()
	} else {
		cb.successes++
		cb.consecutive = 0
	}

	switch cb.state {
	case StateHalfOpen:
		if failed {
			cb.transition(StateOpen)
			break
		}
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenMaxCalls {
			cb.transition(StateClosed)
		}

	case StateClosed:
		cb.push(failed)
		if cb.tripped() {
			cb.transition(StateOpen)
		}
	}

	return from, cb.state
}

// push appends an outcome to the rolling window
func (cb *CircuitBreaker) push(failed bool) {
	cb.window[cb.next] = failed
	cb.next = (cb.next + 1) % len(cb.window)
	if cb.filled < len(cb.window) {
		cb.filled++
	}
}

// windowRate is the failure rate over the filled part of the window
func (cb *CircuitBreaker) windowRate() float64 {
	if cb.filled == 0 {
		return 0
	}
	n := 0
	for i := 0; i < cb.filled; i++ {
		if cb.window[i] {
			n++
		}
	}
	return float64(n) / float64(cb.filled)
}

func (cb *CircuitBreaker) tripped() bool {
	if cb.consecutive >= cb.cfg.MaxFailures {
		return true
	}
	return cb.filled == len(cb.window) && cb.cfg.FailureThreshold > 0 && cb.windowRate() >= cb.cfg.FailureThreshold
}

// transition switches state and clears the per-state counters. Callers hold mu.
func (cb *CircuitBreaker) transition(to State) {
	cb.state = to
	cb.changedAt = cb.now()
	cb.probes = 0
	cb.probeOK = 0
	if to != StateOpen {
		cb.consecutive = 0
		cb.filled = 0
		cb.next = 0
	}
	if to == StateClosed {
		cb.failures = 0
		cb.successes = 0
		cb.totalCalls = 0
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}

	logger := logging.WithFields(map[string]interface{}{
		"circuitBreaker": cb.cfg.Name,
		"from":           from,
		"to":             to,
	})
	if to == StateOpen {
		logger.Warn("Circuit breaker opened")
	} else {
		logger.Info("Circuit breaker state changed")
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of a breaker, counted since it last closed
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	Successes        int       `json:"successes"`
	TotalCalls       int       `json:"totalCalls"`
	Rejected         int       `json:"rejected"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	FailureRate      float64   `json:"failureRate"`
	LastFailureTime  time.Time `json:"lastFailureTime"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns a snapshot of the breaker counters
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		TotalCalls:       cb.totalCalls,
		Rejected:         cb.rejectedCall,
		ConsecutiveFails: cb.consecutive,
		FailureRate:      cb.windowRate(),
		LastFailureTime:  cb.lastFailure,
		LastStateChange:  cb.changedAt,
	}
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.transition(StateClosed)
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}
