package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrGatewayDown is returned while a gateway that keeps failing is being
// given time to recover.  Nothing is dialed in that state.
var ErrGatewayDown = errors.New("gateway unavailable")

// ── Breaker state ────────────────────────────────────────────────────

type breakerState int

const (
	breakerClosed   breakerState = iota // dialing normally
	breakerOpen                         // failing fast until the cooldown ends
	breakerHalfOpen                     // one trial attempt allowed
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ── breaker ──────────────────────────────────────────────────────────

// breaker guards the gateway connection.  Every local connection needs
// the gateway, so without it a dead gateway would make each one wait a
// full connect timeout.  After maxFailures consecutive failed connects
// it rejects attempts for cooldown, then lets one trial attempt through: success
// closes it again, failure reopens it.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time

	now      func() time.Time
	onChange func(from, to breakerState)
}

func newBreaker(maxFailures int, cooldown time.Duration) *breaker {
	return &breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// allow reports whether a connect attempt may proceed.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != breakerOpen {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		b.transition(breakerHalfOpen)
		return nil
	}
	return fmt.Errorf("%w: %d consecutive failures, next attempt in %v",
		ErrGatewayDown, b.failures, (b.cooldown - elapsed).Round(100*time.Millisecond))
}

// record feeds back the outcome of an attempt that allow let through.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.transition(breakerClosed)
		return
	}

	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.transition(breakerOpen)
	}
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) transition(to breakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
