package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failed")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(settings Settings) (*Breaker, *fakeClock) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	b := New(settings, logger)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b.now = clock.Now
	return b, clock
}

func fail(ctx context.Context) error    { return errUpstream }
func succeed(ctx context.Context) error { return nil }

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestNew_Defaults(t *testing.T) {
	b := New(Settings{Name: "graph"}, nil)

	assert.Equal(t, uint32(defaultHalfOpenCalls), b.settings.HalfOpenMaxCalls)
	assert.Equal(t, uint32(1), b.settings.MaxFailures)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(Settings{Name: "graph", MaxFailures: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.True(t, IsOpen(err))
	assert.False(t, called)
	assert.Equal(t, uint64(1), b.Stats().Rejected)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Settings{Name: "graph", MaxFailures: 2, Timeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(Settings{Name: "whatsapp", MaxFailures: 1, Timeout: 30 * time.Second, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Settings{Name: "whatsapp", MaxFailures: 1, Timeout: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_IsFailurePredicate(t *testing.T) {
	clientErr := errors.New("400 bad request")
	b, _ := newTestBreaker(Settings{
		Name:        "graph",
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   func(err error) bool { return !errors.Is(err, clientErr) },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(ctx context.Context) error { return clientErr })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	b, clock := newTestBreaker(Settings{
		Name:             "graph",
		MaxFailures:      1,
		Timeout:          time.Second,
		HalfOpenMaxCalls: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
		},
	})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(2 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))

	assert.Equal(t, []string{
		"graph:CLOSED->OPEN",
		"graph:OPEN->HALF_OPEN",
		"graph:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b, _ := newTestBreaker(Settings{Name: "graph", MaxFailures: 1000, Timeout: time.Minute})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Execute(ctx, fail)
			} else {
				_ = b.Execute(ctx, succeed)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(50), b.Stats().Requests)
}

func TestIsOpen(t *testing.T) {
	err := fmt.Errorf("send: %w", &OpenError{Name: "graph", State: StateOpen})
	assert.True(t, IsOpen(err))
	assert.False(t, IsOpen(errUpstream))
	assert.Contains(t, err.Error(), "circuit breaker 'graph' is OPEN")
}
