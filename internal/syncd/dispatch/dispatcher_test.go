package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// sink is a local actuator endpoint that records one payload per connection.
type sink struct {
	ln       net.Listener
	payloads chan string
}

func newSink(t *testing.T) *sink {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &sink{ln: ln, payloads: make(chan string, 16)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
				// ReadAll returns once the sender closes its side.
				data, err := io.ReadAll(c)
				if err != nil {
					s.payloads <- "read error: " + err.Error()
					return
				}
				s.payloads <- string(data)
			}(conn)
		}
	}()
	return s
}

func (s *sink) addr() string { return s.ln.Addr().String() }

func (s *sink) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-s.payloads:
		if got != want {
			t.Fatalf("actuator received %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("actuator received nothing, want %q", want)
	}
}

func (s *sink) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-s.payloads:
		t.Fatalf("actuator received %q, want no connection", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestTable(t *testing.T, extra map[string]string) *TokenTable {
	t.Helper()
	tbl, err := NewTokenTable(extra)
	if err != nil {
		t.Fatalf("NewTokenTable: %v", err)
	}
	return tbl
}

func TestDispatchOverTCP(t *testing.T) {
	tests := []struct {
		device, command string
		want            string
	}{
		{"pump", "on", "PUMP_ON"},
		{"pump", "off", "PUMP_OFF"},
		{"fan", "on", "FAN_ON"},
		{"fan", "off", "FAN_OFF"},
		{"motor", "on", "MOTOR_ON"},
		{"motor", "off", "MOTOR_OFF"},
	}

	s := newSink(t)
	d := New(newTestTable(t, nil), NewTCPTransport(s.addr(), nil, 300*time.Millisecond, 200*time.Millisecond))

	for _, tt := range tests {
		t.Run(tt.device+":"+tt.command, func(t *testing.T) {
			if err := d.Dispatch(context.Background(), tt.device, tt.command); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			s.expect(t, tt.want)
		})
	}
}

func TestDispatchUnknownPairSendsNothing(t *testing.T) {
	s := newSink(t)
	d := New(newTestTable(t, nil), NewTCPTransport(s.addr(), nil, 300*time.Millisecond, 200*time.Millisecond))

	for _, pair := range [][2]string{{"pump", "ON"}, {"pump", "blink"}, {"heater", "on"}, {"", ""}} {
		if err := d.Dispatch(context.Background(), pair[0], pair[1]); err != nil {
			t.Fatalf("Dispatch(%q, %q) = %v, want nil", pair[0], pair[1], err)
		}
	}
	s.expectNothing(t)
}

func TestDispatchConnectFailure(t *testing.T) {
	// Grab a free port and release it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := New(newTestTable(t, nil), NewTCPTransport(addr, nil, 300*time.Millisecond, 200*time.Millisecond))

	start := time.Now()
	err = d.Dispatch(context.Background(), "fan", "on")
	if time.Since(start) > time.Second {
		t.Fatalf("failed dispatch took %v", time.Since(start))
	}

	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("Dispatch error %v (%T), want *Error", err, err)
	}
	if de.DeviceID != "fan" || de.Token != "FAN_ON" || de.Endpoint != addr || de.Attempts != 1 {
		t.Fatalf("unexpected dispatch error fields: %+v", de)
	}
}

// hangingDial never completes a connection; it returns only when ctx ends.
func hangingDial(calls *int) DialFunc {
	var mu sync.Mutex
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		mu.Lock()
		*calls++
		mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestDispatchHangingPeer(t *testing.T) {
	tests := []struct {
		name           string
		connectTimeout time.Duration
		writeTimeout   time.Duration
		bound          time.Duration
	}{
		{name: "configured timeouts", connectTimeout: 100 * time.Millisecond, writeTimeout: 100 * time.Millisecond, bound: 600 * time.Millisecond},
		{name: "zero timeouts use defaults", bound: DefaultConnectTimeout + 500*time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			tr := NewTCPTransport("10.255.255.1:9000", nil, tt.connectTimeout, tt.writeTimeout, WithDialContext(hangingDial(&calls)))
			d := New(newTestTable(t, nil), tr)

			start := time.Now()
			err := d.Dispatch(context.Background(), "pump", "on")
			if elapsed := time.Since(start); elapsed > tt.bound {
				t.Fatalf("dispatch to a silent peer took %v, want under %v", elapsed, tt.bound)
			}

			var de *Error
			if !errors.As(err, &de) {
				t.Fatalf("Dispatch error %v (%T), want *Error", err, err)
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("Dispatch error %v, want it to wrap context.DeadlineExceeded", err)
			}
			if de.DeviceID != "pump" || de.Token != "PUMP_ON" || calls != 1 {
				t.Fatalf("unexpected failure: %+v after %d dials", de, calls)
			}
		})
	}
}

func TestDispatchStalledWrite(t *testing.T) {
	// The far end of the pipe is never read, so the write can only end
	// through its deadline.
	var peers []net.Conn
	dial := func(context.Context, string, string) (net.Conn, error) {
		client, server := net.Pipe()
		peers = append(peers, server)
		return client, nil
	}
	t.Cleanup(func() {
		for _, p := range peers {
			p.Close()
		}
	})

	tr := NewTCPTransport("actuator:9000", nil, 100*time.Millisecond, 100*time.Millisecond, WithDialContext(dial))
	d := New(newTestTable(t, nil), tr)

	start := time.Now()
	err := d.Dispatch(context.Background(), "motor", "off")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stalled write took %v", elapsed)
	}

	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("Dispatch error %v (%T), want *Error", err, err)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("Dispatch error %v, want a write timeout", err)
	}
	if de.Endpoint != "actuator:9000" || de.Token != "MOTOR_OFF" {
		t.Fatalf("unexpected dispatch error fields: %+v", de)
	}
}

func TestEndpointOverrides(t *testing.T) {
	def, motor := newSink(t), newSink(t)
	tr := NewTCPTransport(def.addr(), map[string]string{"motor": motor.addr()}, 300*time.Millisecond, 200*time.Millisecond)
	d := New(newTestTable(t, nil), tr)

	if err := d.Dispatch(context.Background(), "motor", "on"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	motor.expect(t, "MOTOR_ON")
	def.expectNothing(t)
}

func TestTokenTable(t *testing.T) {
	tbl := newTestTable(t, map[string]string{"valve:open": "VALVE_OPEN", "pump:on": "P1"})

	tests := []struct {
		device, command string
		want            string
		ok              bool
	}{
		{"valve", "open", "VALVE_OPEN", true},
		{"pump", "on", "P1", true},
		{"pump", "off", "PUMP_OFF", true},
		{"valve", "close", "", false},
	}
	for _, tt := range tests {
		got, ok := tbl.Lookup(tt.device, tt.command)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Lookup(%s, %s) = %q, %v; want %q, %v", tt.device, tt.command, got, ok, tt.want, tt.ok)
		}
	}

	if !tbl.Devices()["valve"] {
		t.Error("valve missing from Devices()")
	}

	var keys []string
	for _, k := range tbl.Keys() {
		keys = append(keys, k.String())
	}
	want := []string{"fan:off", "fan:on", "motor:off", "motor:on", "pump:off", "pump:on", "valve:open"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("Keys() = %v, want %v", keys, want)
	}

	for _, bad := range []map[string]string{{"pump": "X"}, {":on": "X"}, {"pump:": "X"}, {"pump:on": ""}} {
		if _, err := NewTokenTable(bad); err == nil {
			t.Errorf("NewTokenTable(%v) accepted an invalid entry", bad)
		}
	}
}

// flakyTransport fails the first failures sends.
type flakyTransport struct {
	mu       sync.Mutex
	failures int
	sent     []string
	calls    int
}

func (f *flakyTransport) Endpoint(string) string { return "fake" }

func (f *flakyTransport) Send(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	f.sent = append(f.sent, string(payload))
	return nil
}

func TestRetryIsOptIn(t *testing.T) {
	tr := &flakyTransport{failures: 1}
	d := New(newTestTable(t, nil), tr)

	if err := d.Dispatch(context.Background(), "pump", "on"); err == nil {
		t.Fatal("default dispatcher retried a failed send")
	}
	if tr.calls != 1 {
		t.Fatalf("default dispatcher made %d attempts, want 1", tr.calls)
	}
}

func TestRetry(t *testing.T) {
	tr := &flakyTransport{failures: 2}
	d := New(newTestTable(t, nil), tr, WithRetry(RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}))

	if err := d.Dispatch(context.Background(), "pump", "on"); err != nil {
		t.Fatalf("Dispatch with retry: %v", err)
	}
	if tr.calls != 3 || len(tr.sent) != 1 || tr.sent[0] != "PUMP_ON" {
		t.Fatalf("calls=%d sent=%v", tr.calls, tr.sent)
	}

	tr = &flakyTransport{failures: 10}
	d = New(newTestTable(t, nil), tr, WithRetry(RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond}))
	err := d.Dispatch(context.Background(), "pump", "on")
	var de *Error
	if !errors.As(err, &de) || de.Attempts != 2 {
		t.Fatalf("exhausted retry error = %v", err)
	}
}

func TestBreaker(t *testing.T) {
	tr := &flakyTransport{failures: 100}
	d := New(newTestTable(t, nil), tr, WithBreaker(BreakerPolicy{ConsecutiveFailures: 2, OpenTimeout: time.Minute}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := d.Dispatch(ctx, "fan", "on"); err == nil {
			t.Fatal("expected failure")
		}
	}

	err := d.Dispatch(ctx, "fan", "off")
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("third dispatch = %v, want ErrBreakerOpen", err)
	}
	if tr.calls != 2 {
		t.Fatalf("transport called %d times, want 2", tr.calls)
	}

	// Breakers are per device.
	tr.failures = 0
	if err := d.Dispatch(ctx, "pump", "on"); err != nil {
		t.Fatalf("pump dispatch blocked by fan breaker: %v", err)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func TestNotifier(t *testing.T) {
	n := &recordingNotifier{}
	tr := &flakyTransport{failures: 1}
	d := New(newTestTable(t, nil), tr, WithNotifier(n))
	ctx := context.Background()

	_ = d.Dispatch(ctx, "pump", "on")
	_ = d.Dispatch(ctx, "pump", "off")
	_ = d.Dispatch(ctx, "pump", "dance")

	if len(n.events) != 2 {
		t.Fatalf("got %d events, want 2 (unknown pairs are not reported)", len(n.events))
	}
	if n.events[0].OK || n.events[0].Error == "" {
		t.Errorf("first event should be a failure: %+v", n.events[0])
	}
	if !n.events[1].OK || n.events[1].Token != "PUMP_OFF" {
		t.Errorf("second event should be a success: %+v", n.events[1])
	}
}
