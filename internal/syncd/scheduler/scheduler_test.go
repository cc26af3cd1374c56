package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/agrolink-io/agrolink/internal/syncd/watcher"
)

type fakeUnit struct {
	id    string
	block chan struct{}
	panic bool

	busy       atomic.Bool
	ticks      atomic.Int32
	running    atomic.Int32
	maxRunning atomic.Int32
	ends       atomic.Int32
}

func (u *fakeUnit) DeviceID() string { return u.id }

func (u *fakeUnit) TryBegin(context.Context) bool { return u.busy.CompareAndSwap(false, true) }

func (u *fakeUnit) End(context.Context) {
	u.ends.Add(1)
	u.busy.Store(false)
}

func (u *fakeUnit) Tick(context.Context) watcher.Outcome {
	n := u.running.Add(1)
	defer u.running.Add(-1)
	for {
		m := u.maxRunning.Load()
		if n <= m || u.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}

	u.ticks.Add(1)
	if u.block != nil {
		<-u.block
	}
	if u.panic {
		panic("tick exploded")
	}
	return watcher.OutcomeUnchanged
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type harness struct {
	clock  *clocktesting.FakeClock
	cancel context.CancelFunc
	done   chan error
}

func startScheduler(t *testing.T, units []Unit, opts ...Option) *harness {
	t.Helper()

	fc := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	s := New(units, time.Second, append([]Option{WithClock(fc)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{clock: fc, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- s.Start(ctx) }()

	waitFor(t, "ticker registration", fc.HasWaiters)
	t.Cleanup(cancel)
	return h
}

func (h *harness) step() { h.clock.Step(time.Second) }

func TestEveryDeviceTicksEachInterval(t *testing.T) {
	pump, fan, motor := &fakeUnit{id: "pump"}, &fakeUnit{id: "fan"}, &fakeUnit{id: "motor"}
	h := startScheduler(t, []Unit{pump, fan, motor})

	for i := int32(1); i <= 3; i++ {
		h.step()
		waitFor(t, "round to finish", func() bool {
			return pump.ends.Load() == i && fan.ends.Load() == i && motor.ends.Load() == i
		})
	}
}

func TestSlowDeviceDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	pump := &fakeUnit{id: "pump"}
	fan := &fakeUnit{id: "fan", block: release}
	motor := &fakeUnit{id: "motor"}
	h := startScheduler(t, []Unit{pump, fan, motor})

	for i := int32(1); i <= 4; i++ {
		h.step()
		waitFor(t, "pump and motor ticks", func() bool {
			return pump.ends.Load() == i && motor.ends.Load() == i
		})
	}

	if got := fan.ticks.Load(); got != 1 {
		t.Fatalf("blocked fan ticked %d times, want 1 (later intervals must be skipped, not queued)", got)
	}
	if fan.maxRunning.Load() != 1 {
		t.Fatalf("fan ran %d ticks concurrently", fan.maxRunning.Load())
	}

	close(release)
	waitFor(t, "fan to finish", func() bool { return fan.ends.Load() == 1 })

	h.step()
	waitFor(t, "fan to tick again", func() bool { return fan.ends.Load() == 2 })
	if fan.ticks.Load() != 2 {
		t.Fatalf("fan ticked %d times after release, want 2", fan.ticks.Load())
	}
}

func TestPanickingTickIsContained(t *testing.T) {
	pump := &fakeUnit{id: "pump", panic: true}
	fan := &fakeUnit{id: "fan"}
	h := startScheduler(t, []Unit{pump, fan})

	for i := int32(1); i <= 2; i++ {
		h.step()
		waitFor(t, "round after panic", func() bool {
			return pump.ends.Load() == i && fan.ends.Load() == i
		})
	}
	if pump.busy.Load() {
		t.Fatal("panicking device left in flight")
	}
}

func TestTickOnStart(t *testing.T) {
	pump := &fakeUnit{id: "pump"}
	startScheduler(t, []Unit{pump}, WithTickOnStart(true))

	waitFor(t, "immediate tick", func() bool { return pump.ends.Load() == 1 })
}

func TestShutdownWaitsForRunningTicks(t *testing.T) {
	release := make(chan struct{})
	fan := &fakeUnit{id: "fan", block: release}
	h := startScheduler(t, []Unit{fan})

	h.step()
	waitFor(t, "fan to start", func() bool { return fan.ticks.Load() == 1 })

	h.cancel()
	select {
	case <-h.done:
		t.Fatal("Start returned while a tick was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after the tick finished")
	}
	if fan.ends.Load() != 1 {
		t.Fatal("running tick was not completed")
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		if s := New(nil, interval); s.interval != DefaultInterval {
			t.Errorf("New(nil, %v).interval = %v, want %v", interval, s.interval, DefaultInterval)
		}
	}
	if s := New(nil, 5*time.Second); s.interval != 5*time.Second {
		t.Errorf("configured interval replaced with %v", s.interval)
	}
}
