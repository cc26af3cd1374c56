package dispatch

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Defaults applied when a timeout is left unset. Both stay well below the
// one second tick so a dead actuator never holds a device past its interval.
const (
	DefaultConnectTimeout = 300 * time.Millisecond
	DefaultWriteTimeout   = 200 * time.Millisecond
)

// Transport delivers one wire token for a device.
type Transport interface {
	Send(ctx context.Context, deviceID string, payload []byte) error

	// Endpoint describes where deviceID's tokens go, for diagnostics.
	Endpoint(deviceID string) string
}

// DialFunc opens a connection, like net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TCPOption configures a TCPTransport.
type TCPOption func(*TCPTransport)

// WithDialContext replaces the dialer. The connect timeout still bounds it
// through the context.
func WithDialContext(dial DialFunc) TCPOption {
	return func(t *TCPTransport) { t.dial = dial }
}

var _ Transport = (*TCPTransport)(nil)

// TCPTransport opens a fresh connection per token, writes the raw bytes and
// closes. It never reads from the connection.
type TCPTransport struct {
	endpoint       string
	overrides      map[string]string
	dial           DialFunc
	connectTimeout time.Duration
	writeTimeout   time.Duration
}

// NewTCPTransport sends to endpoint, or to overrides[deviceID] when present.
// Non-positive timeouts fall back to DefaultConnectTimeout and DefaultWriteTimeout.
func NewTCPTransport(endpoint string, overrides map[string]string, connectTimeout, writeTimeout time.Duration, opts ...TCPOption) *TCPTransport {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	t := &TCPTransport{
		endpoint:       endpoint,
		overrides:      overrides,
		connectTimeout: connectTimeout,
		writeTimeout:   writeTimeout,
	}
	d := &net.Dialer{Timeout: connectTimeout}
	t.dial = d.DialContext
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TCPTransport) Endpoint(deviceID string) string {
	if addr, ok := t.overrides[deviceID]; ok {
		return addr
	}
	return t.endpoint
}

func (t *TCPTransport) Send(ctx context.Context, deviceID string, payload []byte) error {
	addr := t.Endpoint(deviceID)

	dctx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	conn, err := t.dial(dctx, "tcp", addr)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("set write deadline: %w", err)
	}

	if _, err := conn.Write(payload); err != nil {
		conn.Close()
		return fmt.Errorf("write: %w", err)
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
