// Package circuit implements a circuit breaker used to guard the engine's
// side-effect sinks (audit archive, metrics). A dead sink trips its breaker
// instead of slowing down or failing the call path.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration.
type Config struct {
	MaxFailures int
	Timeout     time.Duration
	HalfOpenMax int
}

// Breaker is a single circuit breaker. All state transitions happen under
// one mutex; the hot path takes it only briefly around the bookkeeping.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	halfOpenIn  int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg}
}

// Execute runs fn under breaker protection. When the breaker is open the
// call is rejected with ErrCircuitOpen until the timeout elapses, after
// which a bounded number of probe calls is let through.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		b.record(err)
		return err
	}

	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) > b.cfg.Timeout {
			b.state = StateHalfOpen
			b.halfOpenIn = 1
			b.successes = 0
			return nil
		}
		return ErrCircuitOpen
	default: // StateHalfOpen
		if b.halfOpenIn >= b.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		b.halfOpenIn++
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.lastFailure = time.Now()
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.MaxFailures {
				b.state = StateOpen
			}
		case StateHalfOpen:
			b.state = StateOpen
			b.halfOpenIn = 0
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.state = StateClosed
			b.failures = 0
			b.halfOpenIn = 0
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenIn = 0
}

// Group manages one breaker per named sink.
type Group struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewGroup creates a breaker group with a shared default config.
func NewGroup(cfg Config) *Group {
	return &Group{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns or creates the breaker for a name.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, exists := g.breakers[name]
	if !exists {
		b = NewBreaker(g.cfg)
		g.breakers[name] = b
	}
	return b
}

// Execute executes fn with the named breaker.
func (g *Group) Execute(ctx context.Context, name string, fn func() error) error {
	return g.Get(name).Execute(ctx, fn)
}

// States returns the state of every breaker in the group.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()

	states := make(map[string]State, len(g.breakers))
	for name, b := range g.breakers {
		states[name] = b.State()
	}
	return states
}
