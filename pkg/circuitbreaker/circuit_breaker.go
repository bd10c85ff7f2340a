package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

const defaultHalfOpenCalls = 3

// Settings configures a Breaker
type Settings struct {
	Name        string
	MaxFailures uint32
	// Timeout is how long the breaker stays open before probing again
	Timeout time.Duration
	// HalfOpenMaxCalls successful probes close the breaker again
	HalfOpenMaxCalls uint32
	// IsFailure decides which errors count against the breaker. Nil counts
	// every non-nil error.
	IsFailure func(error) bool
	// OnStateChange is called with the breaker lock held; keep it cheap
	OnStateChange func(name string, from, to State)
}

// Breaker guards calls to one upstream provider
type Breaker struct {
	settings Settings
	logger   *logrus.Logger
	now      func() time.Time

	mu            sync.Mutex
	state         State
	failures      uint32
	halfOpenCalls uint32
	successes     uint32
	openedAt      time.Time
	requests      uint64
	rejected      uint64
}

func New(settings Settings, logger *logrus.Logger) *Breaker {
	if settings.HalfOpenMaxCalls == 0 {
		settings.HalfOpenMaxCalls = defaultHalfOpenCalls
	}
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Breaker{
		settings: settings,
		logger:   logger,
		now:      time.Now,
		state:    StateClosed,
	}
}

// Execute runs fn unless the breaker is open. An open breaker returns an
// *OpenError without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests++
	b.refreshState()

	switch b.state {
	case StateOpen:
		b.rejected++
		return &OpenError{Name: b.settings.Name, State: StateOpen}
	case StateHalfOpen:
		if b.halfOpenCalls >= b.settings.HalfOpenMaxCalls {
			b.rejected++
			return &OpenError{Name: b.settings.Name, State: StateHalfOpen}
		}
		b.halfOpenCalls++
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil
	if failed && b.settings.IsFailure != nil {
		failed = b.settings.IsFailure(err)
	}

	if !failed {
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.settings.HalfOpenMaxCalls {
				b.setState(StateClosed)
			}
		case StateClosed:
			b.failures = 0
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.MaxFailures {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// refreshState moves an open breaker to half-open once its timeout passed
func (b *Breaker) refreshState() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.Timeout {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.halfOpenCalls = 0
	b.successes = 0

	fields := logrus.Fields{
		"circuit_breaker": b.settings.Name,
		"from":            from.String(),
		"to":              to.String(),
	}
	switch to {
	case StateOpen:
		b.openedAt = b.now()
		fields["failures"] = b.failures
		b.logger.WithFields(fields).Warn("Circuit breaker opened")
	case StateClosed:
		b.failures = 0
		b.logger.WithFields(fields).Info("Circuit breaker closed after successful recovery")
	case StateHalfOpen:
		b.logger.WithFields(fields).Info("Circuit breaker probing upstream")
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}

// State returns the current state, applying the open timeout
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshState()
	return b.state
}

// Stats is a point-in-time view of a breaker
type Stats struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures uint32 `json:"failures"`
	Requests uint64 `json:"requests"`
	Rejected uint64 `json:"rejected"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshState()
	return Stats{
		Name:     b.settings.Name,
		State:    b.state.String(),
		Failures: b.failures,
		Requests: b.requests,
		Rejected: b.rejected,
	}
}

// OpenError is returned when a call is rejected without reaching upstream
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsOpen reports whether err is, or wraps, an *OpenError
func IsOpen(err error) bool {
	var openErr *OpenError
	return errors.As(err, &openErr)
}
