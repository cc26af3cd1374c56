package watcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/agrolink-io/agrolink/internal/commandlog"
	"github.com/agrolink-io/agrolink/internal/syncd/dispatch"
)

// scriptedReader returns the queued results in order and repeats the last one.
type scriptedReader struct {
	mu      sync.Mutex
	results []readResult
	calls   int
}

type readResult struct {
	command string // empty means no record
	err     error
}

func (r *scriptedReader) Latest(_ context.Context, deviceID string) (*commandlog.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.calls
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	r.calls++

	res := r.results[i]
	if res.err != nil {
		return nil, res.err
	}
	if res.command == "" {
		return nil, nil
	}
	return &commandlog.Record{ID: int64(i + 1), DeviceID: deviceID, Command: res.command, IssuedAt: time.Unix(int64(i), 0)}, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, deviceID, command string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, deviceID+":"+command)
	return d.err
}

func (d *recordingDispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func storeDown() readResult {
	return readResult{err: fmt.Errorf("latest: %w: database is locked", commandlog.ErrStoreUnavailable)}
}

func TestTickSequences(t *testing.T) {
	tests := []struct {
		name         string
		reads        []readResult
		dispatchErr  error
		wantOutcomes []Outcome
		wantCalls    []string
		wantObserved string
	}{
		{
			name:         "pump on, unchanged, off",
			reads:        []readResult{{command: "on"}, {command: "on"}, {command: "off"}},
			wantOutcomes: []Outcome{OutcomeDispatched, OutcomeUnchanged, OutcomeDispatched},
			wantCalls:    []string{"pump:on", "pump:off"},
			wantObserved: "off",
		},
		{
			name:         "first observation of off is still dispatched",
			reads:        []readResult{{command: "off"}},
			wantOutcomes: []Outcome{OutcomeDispatched},
			wantCalls:    []string{"pump:off"},
			wantObserved: "off",
		},
		{
			name:         "identical values dispatch once",
			reads:        []readResult{{command: "on"}, {command: "on"}, {command: "on"}, {command: "on"}},
			wantOutcomes: []Outcome{OutcomeDispatched, OutcomeUnchanged, OutcomeUnchanged, OutcomeUnchanged},
			wantCalls:    []string{"pump:on"},
			wantObserved: "on",
		},
		{
			name:         "revert dispatches again",
			reads:        []readResult{{command: "on"}, {command: "off"}, {command: "on"}},
			wantOutcomes: []Outcome{OutcomeDispatched, OutcomeDispatched, OutcomeDispatched},
			wantCalls:    []string{"pump:on", "pump:off", "pump:on"},
			wantObserved: "on",
		},
		{
			name:         "empty log never dispatches",
			reads:        []readResult{{}, {}},
			wantOutcomes: []Outcome{OutcomeEmpty, OutcomeEmpty},
		},
		{
			name:         "store outage leaves state untouched",
			reads:        []readResult{{command: "on"}, storeDown(), {command: "on"}},
			wantOutcomes: []Outcome{OutcomeDispatched, OutcomeStoreUnavailable, OutcomeUnchanged},
			wantCalls:    []string{"pump:on"},
			wantObserved: "on",
		},
		{
			name:         "store outage before first observation",
			reads:        []readResult{storeDown(), {command: "on"}},
			wantOutcomes: []Outcome{OutcomeStoreUnavailable, OutcomeDispatched},
			wantCalls:    []string{"pump:on"},
			wantObserved: "on",
		},
		{
			name:         "failed dispatch still advances state",
			reads:        []readResult{{command: "on"}, {command: "on"}},
			dispatchErr:  errors.New("connection refused"),
			wantOutcomes: []Outcome{OutcomeDispatchFailed, OutcomeUnchanged},
			wantCalls:    []string{"pump:on"},
			wantObserved: "on",
		},
		{
			name:         "unrecognized command is handed over once",
			reads:        []readResult{{command: "blink"}, {command: "blink"}},
			wantOutcomes: []Outcome{OutcomeDispatched, OutcomeUnchanged},
			wantCalls:    []string{"pump:blink"},
			wantObserved: "blink",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &scriptedReader{results: tt.reads}
			disp := &recordingDispatcher{err: tt.dispatchErr}
			w := New("pump", reader, disp)
			ctx := context.Background()

			for i, want := range tt.wantOutcomes {
				if !w.TryBegin(ctx) {
					t.Fatalf("tick %d: TryBegin refused on an idle watcher", i)
				}
				got := w.Tick(ctx)
				w.End(ctx)
				if got != want {
					t.Fatalf("tick %d: outcome %q, want %q", i, got, want)
				}
			}

			calls := disp.Calls()
			if len(calls) != len(tt.wantCalls) {
				t.Fatalf("dispatch calls %v, want %v", calls, tt.wantCalls)
			}
			for i := range calls {
				if calls[i] != tt.wantCalls[i] {
					t.Fatalf("dispatch calls %v, want %v", calls, tt.wantCalls)
				}
			}

			st := w.State()
			if st.LastObserved != tt.wantObserved {
				t.Errorf("last observed %q, want %q", st.LastObserved, tt.wantObserved)
			}
			if st.Observed != (tt.wantObserved != "") {
				t.Errorf("observed flag %v with last observed %q", st.Observed, st.LastObserved)
			}
		})
	}
}

func TestStoreOutageKeepsExactState(t *testing.T) {
	reader := &scriptedReader{results: []readResult{{command: "off"}, storeDown()}}
	w := New("fan", reader, &recordingDispatcher{})
	ctx := context.Background()

	w.Tick(ctx)
	before := w.State()

	if got := w.Tick(ctx); got != OutcomeStoreUnavailable {
		t.Fatalf("outcome %q, want %q", got, OutcomeStoreUnavailable)
	}
	after := w.State()

	if after.LastObserved != before.LastObserved || after.Observed != before.Observed {
		t.Fatalf("state changed across a store outage: before %+v after %+v", before, after)
	}
	if after.LastError == "" {
		t.Error("store outage not reported in the diagnostic state")
	}
}

func TestTryBeginIsExclusive(t *testing.T) {
	w := New("motor", &scriptedReader{results: []readResult{{}}}, &recordingDispatcher{})
	ctx := context.Background()

	if !w.TryBegin(ctx) {
		t.Fatal("first TryBegin refused")
	}
	if !w.InFlight() || !w.State().InFlight {
		t.Fatal("watcher not reported in flight after TryBegin")
	}
	if w.TryBegin(ctx) {
		t.Fatal("second TryBegin accepted while in flight")
	}

	w.End(ctx)
	if w.InFlight() {
		t.Fatal("watcher still in flight after End")
	}
	if !w.TryBegin(ctx) {
		t.Fatal("TryBegin refused after End")
	}
	w.End(ctx)

	// A stray End on an idle watcher is ignored.
	w.End(ctx)
	if w.InFlight() {
		t.Fatal("stray End changed state")
	}
}

func TestTryBeginConcurrent(t *testing.T) {
	w := New("pump", &scriptedReader{results: []readResult{{}}}, &recordingDispatcher{})
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.TryBegin(ctx) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("%d goroutines won TryBegin, want exactly 1", won)
	}
}

func TestSilentActuatorReleasesWatcher(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
	)
	hang := func(ctx context.Context, _, _ string) (net.Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	tokens, err := dispatch.NewTokenTable(nil)
	if err != nil {
		t.Fatalf("NewTokenTable: %v", err)
	}
	tr := dispatch.NewTCPTransport("10.255.255.1:9000", nil, 100*time.Millisecond, 100*time.Millisecond, dispatch.WithDialContext(hang))
	reader := &scriptedReader{results: []readResult{{command: "on"}}}
	w := New("pump", reader, dispatch.New(tokens, tr))

	ctx := context.Background()
	tick := func() Outcome {
		if !w.TryBegin(ctx) {
			t.Fatal("TryBegin refused on an idle watcher")
		}
		defer w.End(ctx)
		return w.Tick(ctx)
	}

	start := time.Now()
	if got := tick(); got != OutcomeDispatchFailed {
		t.Fatalf("first tick = %s, want %s", got, OutcomeDispatchFailed)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("tick against a silent actuator took %v", elapsed)
	}

	st := w.State()
	if st.InFlight {
		t.Fatal("watcher still in flight after a failed dispatch")
	}
	if !st.Observed || st.LastObserved != "on" {
		t.Fatalf("state after failed dispatch = %+v, want on observed", st)
	}
	var de *dispatch.Error
	if st.LastError == "" || !errors.As(w.lastErr, &de) {
		t.Fatalf("last error %q (%T), want a dispatch error", st.LastError, w.lastErr)
	}

	if got := tick(); got != OutcomeUnchanged {
		t.Fatalf("second tick = %s, want %s", got, OutcomeUnchanged)
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Fatalf("actuator dialed %d times, want 1", dials)
	}
}

func TestDeviceID(t *testing.T) {
	w := New("fan", &scriptedReader{results: []readResult{{}}}, &recordingDispatcher{})
	if w.DeviceID() != "fan" || w.State().DeviceID != "fan" {
		t.Fatalf("DeviceID() = %q, State().DeviceID = %q, want fan", w.DeviceID(), w.State().DeviceID)
	}
}
