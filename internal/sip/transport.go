package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"
)

const readDeadlineInterval = 500 * time.Millisecond

// Transport is the single UDP socket a Client uses to talk to one
// registrar. It owns connect/read/close and hands every inbound datagram
// to an onDatagram callback, one datagram per call (component C).
type Transport struct {
	conn   *net.UDPConn
	local  *net.UDPAddr
	logger *slog.Logger

	closed atomic.Bool
}

// NewTransport returns an unopened Transport bound to logger.
func NewTransport(logger *slog.Logger) *Transport {
	return &Transport{logger: logger.With("subsystem", "sip.transport")}
}

// Open dials host:port over UDP and starts the read loop, which delivers
// each inbound datagram to onDatagram. ctx bounds only the dial; once open
// the transport runs until Close.
func (t *Transport) Open(ctx context.Context, host string, port int, onDatagram func([]byte)) error {
	remote, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("resolving %s:%d: %w", host, port, err)
	}

	dialer := net.Dialer{}
	raw, err := dialer.DialContext(ctx, "udp", remote.String())
	if err != nil {
		return fmt.Errorf("dialing %s:%d: %w", host, port, err)
	}
	conn, ok := raw.(*net.UDPConn)
	if !ok {
		raw.Close()
		return fmt.Errorf("unexpected connection type %T", raw)
	}

	t.conn = conn
	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		conn.Close()
		return fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	t.local = localAddr

	go t.readLoop(onDatagram)
	return nil
}

func (t *Transport) readLoop(onDatagram func([]byte)) {
	buf := make([]byte, 65536)
	for {
		if t.closed.Load() {
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(readDeadlineInterval))
		n, err := t.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if t.closed.Load() {
				return
			}
			t.logger.Warn("socket read error", "error", err)
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		onDatagram(datagram)
	}
}

// Send writes data as a single datagram to the connected remote address.
func (t *Transport) Send(data []byte) error {
	if t.closed.Load() {
		return errors.New("sip: transport closed")
	}
	_, err := t.conn.Write(data)
	if err != nil {
		return fmt.Errorf("sending datagram: %w", err)
	}
	return nil
}

// LocalAddr returns the local UDP address the socket was bound to after Open.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.local
}

// Close stops the read loop and closes the underlying socket. Safe to call
// more than once.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
