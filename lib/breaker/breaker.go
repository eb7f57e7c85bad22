// Package breaker implements the per-tunnel circuit breaker described in
// spec §4.3: a state machine that gates outbound frame dispatch and queues
// frames briefly while the agent side of a tunnel is unreachable.
package breaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome is the result of a try_send decision.
type Outcome int

const (
	// Pass means the caller may transmit the frame immediately.
	Pass Outcome = iota
	// Queued means the frame was appended to the breaker's bounded backlog.
	Queued
	// Dropped means the backlog was full; the frame was discarded.
	Dropped
)

// QueuedFrame is one payload held in the breaker's backlog while Open.
type QueuedFrame struct {
	Payload    []byte
	EnqueuedAt time.Time
}

// Config tunes a CircuitBreaker's thresholds. Zero values are replaced with
// the defaults from spec §3.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// Closed -> Open. Default 3.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays Open before allowing a
	// HalfOpen probe. Default 30s.
	OpenTimeout time.Duration
	// MaxQueue bounds the Open-state backlog. Default 50.
	MaxQueue int
	// MaxFrameAge is the oldest a queued frame may be before drain_queue
	// discards it. Default 60s.
	MaxFrameAge time.Duration
	// Clock is the time source; defaults to the real clock. Tests inject a
	// clockwork.FakeClock for deterministic transitions.
	Clock clockwork.Clock
}

func (c *Config) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 50
	}
	if c.MaxFrameAge <= 0 {
		c.MaxFrameAge = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// CircuitBreaker gates dispatch of outbound frames for a single tunnel.
// All exported methods are safe for concurrent use; the internal mutex is
// held only for O(1) bookkeeping, never across I/O.
type CircuitBreaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	lastTransition   time.Time
	queue            []QueuedFrame
}

// New constructs a CircuitBreaker in the Closed state.
func New(cfg Config) *CircuitBreaker {
	cfg.setDefaults()
	return &CircuitBreaker{
		cfg:            cfg,
		state:          Closed,
		lastTransition: cfg.Clock.Now(),
	}
}

// State returns the breaker's current state. It has no side effects: an
// Open breaker whose timeout has elapsed still reports Open until the next
// TrySend moves it to HalfOpen.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// TrySend decides whether payload may be transmitted now, should be
// queued, or must be dropped.
func (b *CircuitBreaker) TrySend(payload []byte) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return Pass
	case Open:
		if b.cfg.Clock.Now().Sub(b.lastTransition) >= b.cfg.OpenTimeout {
			b.state = HalfOpen
			b.lastTransition = b.cfg.Clock.Now()
			return Pass
		}
		if len(b.queue) >= b.cfg.MaxQueue {
			return Dropped
		}
		b.queue = append(b.queue, QueuedFrame{Payload: payload, EnqueuedAt: b.cfg.Clock.Now()})
		return Queued
	default:
		return Dropped
	}
}

// DrainQueue returns every not-yet-expired queued frame in FIFO order,
// clears the queue, and transitions the breaker to Closed with counters
// reset. Called when a new control channel registers under a subdomain
// whose previous tunnel left its breaker stashed in the registry, whatever
// that breaker's state.
func (b *CircuitBreaker) DrainQueue() []QueuedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()
	fresh := make([]QueuedFrame, 0, len(b.queue))
	for _, f := range b.queue {
		if now.Sub(f.EnqueuedAt) <= b.cfg.MaxFrameAge {
			fresh = append(fresh, f)
		}
	}
	b.queue = nil
	b.state = Closed
	b.consecutiveFails = 0
	b.lastTransition = now
	return fresh
}

// RecordSuccess zeroes the failure counter and, if the breaker was
// HalfOpen, transitions it to Closed.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	if b.state == HalfOpen {
		b.state = Closed
		b.lastTransition = b.cfg.Clock.Now()
	}
}

// RecordFailure increments the failure counter and trips Closed -> Open
// once the threshold is reached, or HalfOpen -> Open immediately (a failed
// probe never gets a second chance within the same window).
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails++
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.lastTransition = b.cfg.Clock.Now()
		b.consecutiveFails = 0
	case Closed:
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.state = Open
			b.lastTransition = b.cfg.Clock.Now()
		}
	}
}

// QueueLen reports the current backlog size, for metrics and tests.
func (b *CircuitBreaker) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
