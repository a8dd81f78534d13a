package circuit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
	"github.com/mrizaln/madbfs-sub001/pkg/utils"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - device reachable, commands pass through
	StateClosed State = iota
	// StateOpen - device considered gone, commands fail fast with TRY_AGAIN
	StateOpen
	// StateHalfOpen - one probe command is let through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive tripping failures that open the breaker
	Threshold uint32 `yaml:"threshold" validate:"gte=1"`

	// Period of the open state after which one probe is allowed
	Timeout time.Duration `yaml:"timeout"`

	// Decides whether an error counts towards tripping. Defaults to NO_DEVICE only.
	Trips func(err error) bool `yaml:"-"`

	// Function called when state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`
}

// DefaultConfig returns the breaker used for a device connection.
func DefaultConfig() Config {
	return Config{
		Threshold: 3,
		Timeout:   5 * time.Second,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests            uint32    `json:"requests"`
	TotalFailures       uint32    `json:"total_failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastActivity        time.Time `json:"last_activity"`
}

// Breaker stops hammering adb once the device has disappeared. Only errors
// accepted by Config.Trips are counted; a command that fails with an ordinary
// filesystem error still proves the device is there.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time
	log    *zap.Logger

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a new circuit breaker instance
func New(name string, config Config) *Breaker {
	if config.Threshold == 0 {
		config.Threshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Trips == nil {
		config.Trips = defaultTrips
	}

	return &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		log:    utils.Component("circuit").With(zap.String("breaker", name)),
		state:  StateClosed,
	}
}

func defaultTrips(err error) bool {
	return errors.HasCode(err, errors.ErrCodeNoDevice)
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.currentState(now) {
	case StateOpen:
		return ErrOpen(b.name, b.expiry.Sub(now))
	case StateHalfOpen:
		if b.counts.Requests > 0 {
			return ErrOpen(b.name, 0)
		}
	}

	b.counts.Requests++
	b.counts.LastActivity = now
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)

	if err == nil || !b.config.Trips(err) {
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++

	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.Threshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && !b.expiry.After(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts = Counts{}

	switch state {
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
		b.log.Warn("device unreachable, failing fast", zap.Duration("for", b.config.Timeout))
	case StateClosed:
		b.expiry = time.Time{}
		if prev == StateHalfOpen {
			b.log.Info("device reachable again")
		}
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker, e.g. after the device was re-selected.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, b.now())
	b.counts = Counts{}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// ErrOpen is the error returned while the breaker rejects commands.
func ErrOpen(name string, retryIn time.Duration) *errors.Error {
	return errors.NewError(errors.ErrCodeTryAgain, "device unreachable, command rejected").
		WithComponent("circuit").
		WithDetail("breaker", name).
		WithDetail("retry_in", retryIn.String()).
		WithRetryable(false)
}
