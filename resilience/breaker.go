package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrBreakerOpen = errors.New("circuit breaker is open")

// State is the state of a Breaker.
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig defines configuration for the breaker
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures int

	// Cooldown is how long the breaker stays open before letting a trial call through
	Cooldown time.Duration

	// SuccessThreshold is the number of consecutive successful trial calls needed to close again
	SuccessThreshold int
}

// DefaultBreakerConfig returns a default configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
	}
}

// Breaker stops calling a failing dependency for a while so callers fail
// fast instead of waiting on it. Only one trial call runs at a time while half-open.
type Breaker struct {
	config BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
}

// NewBreaker creates a new breaker with the given configuration. Zero fields
// take their value from DefaultBreakerConfig.
func NewBreaker(config BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	return &Breaker{config: config}
}

// Execute runs fn unless the breaker is open. An error returned by fn counts
// as a failure unless ctx itself was cancelled or timed out by the caller.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.release(trial, err, ctx.Err() != nil)
	return err
}

func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(b.openedAt) < b.config.Cooldown {
			return false, ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false, ErrBreakerOpen
		}
		b.probing = true
		return true, nil
	}
	return false, ErrBreakerOpen
}

func (b *Breaker) release(trial bool, err error, cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.probing = false
	}
	if err != nil && cancelled {
		return
	}
	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.config.MaxFailures {
			b.open()
		}
		return
	}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.close()
		}
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.successes = 0
}

func (b *Breaker) close() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}

// State returns the current state. An open breaker whose cooldown has passed
// still reports StateOpen until the next call lets a trial call through.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset manually closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
	b.probing = false
}
