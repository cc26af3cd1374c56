// Package scheduler drives device watchers on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/agrolink-io/agrolink/internal/pkg/metrics"
	"github.com/agrolink-io/agrolink/internal/syncd/watcher"
	"github.com/agrolink-io/agrolink/pkg/log"
)

const DefaultInterval = time.Second

// Unit is one independently scheduled device.
type Unit interface {
	DeviceID() string
	TryBegin(ctx context.Context) bool
	Tick(ctx context.Context) watcher.Outcome
	End(ctx context.Context)
}

var _ Unit = (*watcher.Watcher)(nil)

type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.WithTicker) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTickOnStart runs a round immediately instead of waiting one interval.
func WithTickOnStart(enabled bool) Option {
	return func(s *Scheduler) { s.tickOnStart = enabled }
}

// Scheduler fans every interval out into one goroutine per idle device.
// A device whose previous tick is still running is skipped for that
// interval, never queued.
type Scheduler struct {
	units       []Unit
	interval    time.Duration
	clock       clock.WithTicker
	tickOnStart bool
	logger      log.Logger

	wg sync.WaitGroup
}

// New returns a scheduler ticking units every interval, or every
// DefaultInterval when interval is not positive.
func New(units []Unit, interval time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s := &Scheduler{
		units:    units,
		interval: interval,
		clock:    clock.RealClock{},
		logger:   log.WithName("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start blocks until ctx is done. Ticks already running when ctx ends are
// allowed to finish before Start returns; they are never cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "interval", s.interval, "devices", s.deviceIDs())

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	tickCtx := context.WithoutCancel(ctx)

	if s.tickOnStart {
		s.round(tickCtx)
	}

	for {
		select {
		case <-ticker.C():
			s.round(tickCtx)
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler, waiting for in-flight ticks")
			s.wg.Wait()
			s.logger.Info("Scheduler stopped")
			return nil
		}
	}
}

func (s *Scheduler) round(ctx context.Context) {
	for _, u := range s.units {
		if !u.TryBegin(ctx) {
			metrics.TickSkipped.WithLabelValues(u.DeviceID()).Inc()
			s.logger.Debug("Device still in flight, skipping interval", "device", u.DeviceID())
			continue
		}

		s.wg.Add(1)
		go s.run(ctx, u)
	}
}

func (s *Scheduler) run(ctx context.Context, u Unit) {
	defer s.wg.Done()
	defer u.End(ctx)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(fmt.Errorf("%v", r), "Recovered panic in device tick", "device", u.DeviceID())
		}
	}()

	u.Tick(ctx)
}

func (s *Scheduler) deviceIDs() []string {
	ids := make([]string, 0, len(s.units))
	for _, u := range s.units {
		ids = append(ids, u.DeviceID())
	}
	return ids
}
