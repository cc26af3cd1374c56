package server

import (
	"context"
	"errors"
	"testing"
	"time"
)

type funcServer func(ctx context.Context) error

func (f funcServer) Start(ctx context.Context) error { return f(ctx) }

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestManagerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(funcServer(blockUntilDone), funcServer(blockUntilDone))

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestManagerFailureCancelsSiblings(t *testing.T) {
	boom := errors.New("listen tcp: address already in use")
	stopped := make(chan struct{})

	m := NewManager(
		funcServer(func(context.Context) error { return boom }),
		funcServer(func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		}),
	)

	if err := m.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start = %v, want %v", err, boom)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("sibling server was not cancelled")
	}
}
