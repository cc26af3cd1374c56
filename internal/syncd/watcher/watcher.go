// Package watcher owns the synchronization state of a single device.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/agrolink-io/agrolink/internal/commandlog"
	"github.com/agrolink-io/agrolink/internal/pkg/metrics"
	fsmutil "github.com/agrolink-io/agrolink/internal/pkg/util/fsm"
	"github.com/agrolink-io/agrolink/pkg/log"
)

const (
	StateIdle    = "idle"
	StateRunning = "running"

	EventStart  = "start"
	EventFinish = "finish"
)

// Outcome classifies how a tick ended.
type Outcome string

const (
	OutcomeDispatched       Outcome = "dispatched"
	OutcomeDispatchFailed   Outcome = "dispatch_failed"
	OutcomeUnchanged        Outcome = "unchanged"
	OutcomeEmpty            Outcome = "empty"
	OutcomeStoreUnavailable Outcome = "store_unavailable"
)

// Dispatcher delivers a command for a device.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID, command string) error
}

// State is a point-in-time copy of a watcher's state.
type State struct {
	DeviceID     string    `json:"device_id"`
	LastObserved string    `json:"last_observed_command,omitempty"`
	Observed     bool      `json:"observed"`
	InFlight     bool      `json:"in_flight"`
	LastTick     time.Time `json:"last_tick,omitempty"`
	LastOutcome  Outcome   `json:"last_outcome,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Watcher compares the latest logged command of one device against the last
// one it observed, and dispatches on change.
//
// Ticks of a watcher never overlap: callers must win TryBegin before Tick and
// call End afterwards.
type Watcher struct {
	deviceID   string
	reader     commandlog.Reader
	dispatcher Dispatcher
	machine    *fsm.FSM
	logger     log.Logger
	now        func() time.Time

	mu           sync.Mutex
	lastObserved string
	observed     bool
	lastTick     time.Time
	lastOutcome  Outcome
	lastErr      error
}

// New creates a watcher for deviceID in the idle state with nothing observed.
func New(deviceID string, reader commandlog.Reader, dispatcher Dispatcher) *Watcher {
	w := &Watcher{
		deviceID:   deviceID,
		reader:     reader,
		dispatcher: dispatcher,
		logger:     log.WithName("watcher").WithValues("device", deviceID),
		now:        time.Now,
	}

	w.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStart, Src: []string{StateIdle}, Dst: StateRunning},
			{Name: EventFinish, Src: []string{StateRunning}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_" + StateRunning: func(context.Context, *fsm.Event) { metrics.WatchersInFlight.Inc() },
			"leave_" + StateRunning: func(context.Context, *fsm.Event) { metrics.WatchersInFlight.Dec() },
		},
	)

	return w
}

// DeviceID returns the device this watcher synchronizes.
func (w *Watcher) DeviceID() string { return w.deviceID }

// TryBegin moves the watcher from idle to running. It returns false, and
// changes nothing, when a tick is already in flight.
func (w *Watcher) TryBegin(ctx context.Context) bool {
	err := w.machine.Event(ctx, EventStart)
	if err == nil {
		return true
	}
	if !fsmutil.Rejected(err) {
		w.logger.Error(err, "Unexpected state machine error on start")
	}
	return false
}

// End returns the watcher to idle.
func (w *Watcher) End(ctx context.Context) {
	if err := w.machine.Event(ctx, EventFinish); err != nil && !fsmutil.Rejected(err) {
		w.logger.Error(err, "Unexpected state machine error on finish")
	}
}

// InFlight reports whether a tick is running.
func (w *Watcher) InFlight() bool {
	return w.machine.Is(StateRunning)
}

// Tick runs one read-compare-dispatch cycle.
//
// A failed read leaves the observed command untouched. Once a changed command
// is handed to the dispatcher it counts as observed whether or not the
// dispatch succeeded, so a failed delivery is not repeated until the command
// changes again.
func (w *Watcher) Tick(ctx context.Context) Outcome {
	rec, err := w.reader.Latest(ctx, w.deviceID)
	if err != nil {
		metrics.StoreErrors.Inc()
		w.logger.Error(err, "Failed to read latest command")
		return w.record(OutcomeStoreUnavailable, err)
	}
	if rec == nil {
		return w.record(OutcomeEmpty, nil)
	}

	w.mu.Lock()
	changed := !w.observed || w.lastObserved != rec.Command
	previous := w.lastObserved
	w.mu.Unlock()

	if !changed {
		return w.record(OutcomeUnchanged, nil)
	}

	dispatchErr := w.dispatcher.Dispatch(ctx, w.deviceID, rec.Command)

	w.mu.Lock()
	w.lastObserved = rec.Command
	w.observed = true
	w.mu.Unlock()

	if dispatchErr != nil {
		w.logger.Error(dispatchErr, "Dispatch failed, command marked as observed",
			"command", rec.Command, "previous", previous, "recordID", rec.ID)
		return w.record(OutcomeDispatchFailed, dispatchErr)
	}

	w.logger.Info("Command dispatched", "command", rec.Command, "previous", previous, "recordID", rec.ID)
	return w.record(OutcomeDispatched, nil)
}

func (w *Watcher) record(outcome Outcome, err error) Outcome {
	w.mu.Lock()
	w.lastTick = w.now()
	w.lastOutcome = outcome
	w.lastErr = err
	w.mu.Unlock()

	metrics.TickTotal.WithLabelValues(w.deviceID, string(outcome)).Inc()
	return outcome
}

// State returns a snapshot of the watcher.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := State{
		DeviceID:     w.deviceID,
		LastObserved: w.lastObserved,
		Observed:     w.observed,
		InFlight:     w.InFlight(),
		LastTick:     w.lastTick,
		LastOutcome:  w.lastOutcome,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}
