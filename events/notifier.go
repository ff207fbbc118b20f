package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrNotifierUnavailable is returned while the breaker is open.
var ErrNotifierUnavailable = errors.New("notifier unavailable")

// Notifier delivers engine events. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc is a function adapter for Notifier.
type NotifierFunc func(ctx context.Context, event Event) error

// Notify implements the Notifier interface.
func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// BreakerSettings configures a BreakerNotifier.
type BreakerSettings struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the failure counts while closed. Zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	OnStateChange       func(name string, from, to gobreaker.State)
}

// BreakerNotifier stops calling a failing notifier until it has had time to recover.
type BreakerNotifier struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerNotifier wraps next with a circuit breaker.
func NewBreakerNotifier(next Notifier, settings BreakerSettings) *BreakerNotifier {
	if settings.Name == "" {
		settings.Name = "notifier"
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}
	threshold := settings.ConsecutiveFailures

	return &BreakerNotifier{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        settings.Name,
			MaxRequests: settings.MaxRequests,
			Interval:    settings.Interval,
			Timeout:     settings.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: settings.OnStateChange,
		}),
	}
}

// Notify forwards the event unless the breaker is open.
func (b *BreakerNotifier) Notify(ctx context.Context, event Event) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Notify(ctx, event)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrNotifierUnavailable, err)
	}
	return err
}

// State reports the breaker state.
func (b *BreakerNotifier) State() gobreaker.State {
	return b.cb.State()
}
