// Package dispatch turns a device command into a wire token and delivers it to
// the actuator endpoint.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/agrolink-io/agrolink/internal/pkg/metrics"
	"github.com/agrolink-io/agrolink/pkg/log"
)

// RetryPolicy enables at-least-once delivery attempts. MaxAttempts <= 1
// disables retries, which is the default: one attempt and no acknowledgement.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// BreakerPolicy configures a circuit breaker per device.
type BreakerPolicy struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before a probe.
	OpenTimeout time.Duration
}

type Option func(*Dispatcher)

// WithRetry enables retries with exponential backoff.
func WithRetry(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.retry = p }
}

// WithBreaker enables one circuit breaker per device.
func WithBreaker(p BreakerPolicy) Option {
	return func(d *Dispatcher) { d.breaker = &p }
}

// WithNotifier reports every attempted delivery to n.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// Dispatcher is safe for concurrent use by all device watchers.
type Dispatcher struct {
	tokens    *TokenTable
	transport Transport
	retry     RetryPolicy
	breaker   *BreakerPolicy
	notifier  Notifier
	logger    log.Logger
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(tokens *TokenTable, transport Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tokens:    tokens,
		transport: transport,
		logger:    log.WithName("dispatcher"),
		now:       time.Now,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the token for (deviceID, command). Pairs without a token are
// a successful no-op that sends nothing. Delivery failures are returned as *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, command string) error {
	token, ok := d.tokens.Lookup(deviceID, command)
	if !ok {
		metrics.DispatchTotal.WithLabelValues(deviceID, metrics.ResultUnknown).Inc()
		d.logger.Debug("No wire token for command, ignoring", "device", deviceID, "command", command)
		return nil
	}

	attempts, err := d.deliver(ctx, deviceID, []byte(token))
	endpoint := d.transport.Endpoint(deviceID)

	ev := Event{
		DeviceID: deviceID,
		Command:  command,
		Token:    token,
		Endpoint: endpoint,
		OK:       err == nil,
		Attempts: attempts,
		At:       d.now(),
	}

	switch {
	case err == nil:
		metrics.DispatchTotal.WithLabelValues(deviceID, metrics.ResultSent).Inc()
	case errors.Is(err, ErrBreakerOpen):
		metrics.DispatchTotal.WithLabelValues(deviceID, metrics.ResultBreakerOpen).Inc()
	default:
		metrics.DispatchTotal.WithLabelValues(deviceID, metrics.ResultFailed).Inc()
	}

	if err != nil {
		ev.Error = err.Error()
		err = &Error{
			DeviceID: deviceID,
			Command:  command,
			Token:    token,
			Endpoint: endpoint,
			Attempts: attempts,
			Err:      err,
		}
	}

	if d.notifier != nil {
		d.notifier.Notify(ctx, ev)
	}
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, deviceID string, payload []byte) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := d.attempt(ctx, deviceID, payload)
		if errors.Is(err, ErrBreakerOpen) {
			return backoff.Permanent(err)
		}
		return err
	}

	if d.retry.MaxAttempts <= 1 {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return attempts, err
	}

	bo := backoff.NewExponentialBackOff()
	if d.retry.InitialInterval > 0 {
		bo.InitialInterval = d.retry.InitialInterval
	}
	if d.retry.MaxInterval > 0 {
		bo.MaxInterval = d.retry.MaxInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.retry.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		d.logger.Warn("Dispatch attempt failed, retrying", "device", deviceID, "attempt", attempts, "next", next, "err", err)
	})
	return attempts, err
}

func (d *Dispatcher) attempt(ctx context.Context, deviceID string, payload []byte) error {
	send := func() error {
		start := time.Now()
		err := d.transport.Send(ctx, deviceID, payload)
		metrics.DispatchDuration.WithLabelValues(deviceID).Observe(time.Since(start).Seconds())
		return err
	}

	cb := d.breakerFor(deviceID)
	if cb == nil {
		return send()
	}

	_, err := cb.Execute(func() (any, error) {
		return nil, send()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

func (d *Dispatcher) breakerFor(deviceID string) *gobreaker.CircuitBreaker {
	if d.breaker == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[deviceID]; ok {
		return cb
	}

	threshold := d.breaker.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    deviceID,
		Timeout: d.breaker.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("Dispatch circuit breaker changed state", "device", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[deviceID] = cb
	return cb
}
