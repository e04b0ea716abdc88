package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateChallenging, "challenging"},
		{StateAuthenticated, "authenticated"},
		{StateRefreshing, "refreshing"},
		{StateTerminating, "terminating"},
		{StateTerminated, "terminated"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestRetryAfterOrDefault(t *testing.T) {
	resp := &Response{StatusCode: 500, Hdrs: NewHeaders()}
	resp.Hdrs.Add("Retry-After", "42")
	if got := retryAfterOrDefault(resp); got != 42*time.Second {
		t.Errorf("retryAfterOrDefault = %v, want 42s", got)
	}

	empty := &Response{StatusCode: 500, Hdrs: NewHeaders()}
	if got := retryAfterOrDefault(empty); got != defaultErrorWait {
		t.Errorf("retryAfterOrDefault with no header = %v, want %v", got, defaultErrorWait)
	}
}

type fakeSentinel struct {
	touched int
}

func (f *fakeSentinel) Touch() error {
	f.touched++
	return nil
}

// fakeRegistrar answers the two-step REGISTER handshake
// describes: 401 Unauthorized with a WWW-Authenticate challenge, then 200
// OK once an Authorization header is present.
func fakeRegistrar(t *testing.T) (addr *net.UDPAddr, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Skipf("UDP sockets unavailable in this environment: %v", err)
	}

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 65536)
		for {
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, raddr, err := conn.ReadFromUDP(buf)
			select {
			case <-done:
				return
			default:
			}
			if err != nil {
				continue
			}
			req := string(buf[:n])

			cseqLine := extractLine(req, "CSeq")
			if strings.Contains(req, "Authorization:") {
				reply := "SIP/2.0 200 OK\r\n" +
					"CSeq: " + cseqLine + "\r\n" +
					"Content-Length: 0\r\n\r\n"
				conn.WriteToUDP([]byte(reply), raddr)
			} else {
				reply := "SIP/2.0 401 Unauthorized\r\n" +
					"WWW-Authenticate: Digest realm=\"test\", nonce=\"abc\"\r\n" +
					"CSeq: " + cseqLine + "\r\n" +
					"Content-Length: 0\r\n\r\n"
				conn.WriteToUDP([]byte(reply), raddr)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr), func() {
		close(done)
		conn.Close()
	}
}

func extractLine(raw, header string) string {
	for _, line := range strings.Split(raw, "\r\n") {
		if strings.HasPrefix(line, header+":") {
			return strings.TrimSpace(strings.TrimPrefix(line, header+":"))
		}
	}
	return ""
}

func TestClientRegisterSucceedsAfterChallenge(t *testing.T) {
	addr, stop := fakeRegistrar(t)
	defer stop()

	sink := &fakeSink{}
	sentinel := &fakeSentinel{}
	logger := slog.New(slog.DiscardHandler)

	settings := ClientSettings{
		SIPHost:         addr.IP.String(),
		SIPPort:         addr.Port,
		SIPUsername:     "alice",
		SIPPassword:     "s3cret",
		CacheDir:        t.TempDir(),
		RegisterExpires: 300,
		SIPURI:          fmt.Sprintf("sip:%s:s3cret", addr.IP.String()),
	}

	client, err := NewClient(settings, sink, sentinel, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := client.openTransport(context.Background()); err != nil {
		t.Fatalf("failed to open transport: %v", err)
	}
	defer client.transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wait, err := client.register(ctx, 300)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wait != 299*time.Second {
		t.Errorf("wait = %v, want 299s", wait)
	}
	if sentinel.touched != 1 {
		t.Errorf("sentinel touched %d times, want 1", sentinel.touched)
	}
}

// protocolUnexpectedRegistrar always replies 403 Forbidden with a
// Retry-After header, regardless of whether the request carries an
// Authorization header. It counts every REGISTER it receives.
func protocolUnexpectedRegistrar(t *testing.T, retryAfterSeconds int) (addr *net.UDPAddr, requestCount *atomic.Int32, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Skipf("UDP sockets unavailable in this environment: %v", err)
	}

	count := &atomic.Int32{}
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 65536)
		for {
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, raddr, err := conn.ReadFromUDP(buf)
			select {
			case <-done:
				return
			default:
			}
			if err != nil {
				continue
			}
			count.Add(1)
			cseqLine := extractLine(string(buf[:n]), "CSeq")
			reply := "SIP/2.0 403 Forbidden\r\n" +
				"CSeq: " + cseqLine + "\r\n" +
				fmt.Sprintf("Retry-After: %d\r\n", retryAfterSeconds) +
				"Content-Length: 0\r\n\r\n"
			conn.WriteToUDP([]byte(reply), raddr)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr), count, func() {
		close(done)
		conn.Close()
	}
}

// TestClientRegisterProtocolUnexpectedClosesAndBacksOff covers the
// protocol-unexpected scenario: a 403 response to the unauthenticated
// REGISTER must fail register() (not silently succeed), must never trigger
// a second, authenticated REGISTER, and must carry the Retry-After value so
// Run() can honor it instead of the exponential backoff.
func TestClientRegisterProtocolUnexpectedClosesAndBacksOff(t *testing.T) {
	addr, requestCount, stop := protocolUnexpectedRegistrar(t, 7)
	defer stop()

	sink := &fakeSink{}
	logger := slog.New(slog.DiscardHandler)

	settings := ClientSettings{
		SIPHost:         addr.IP.String(),
		SIPPort:         addr.Port,
		SIPUsername:     "alice",
		SIPPassword:     "s3cret",
		CacheDir:        t.TempDir(),
		RegisterExpires: 300,
		SIPURI:          fmt.Sprintf("sip:%s:s3cret", addr.IP.String()),
	}

	client, err := NewClient(settings, sink, nil, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.openTransport(context.Background()); err != nil {
		t.Fatalf("failed to open transport: %v", err)
	}
	defer client.transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, registerErr := client.register(ctx, 300)
	if registerErr == nil {
		t.Fatal("register() returned nil error for a 403 response, want a protocol error")
	}

	var protoErr *protocolError
	if !errors.As(registerErr, &protoErr) {
		t.Fatalf("register() error = %v, want a *protocolError", registerErr)
	}
	if protoErr.retryAfter != 7*time.Second {
		t.Errorf("retryAfter = %v, want 7s", protoErr.retryAfter)
	}

	if got := requestCount.Load(); got != 1 {
		t.Errorf("registrar received %d requests, want 1 (no authenticated retry on a non-401 response)", got)
	}
}

// TestClientRunDelaysNextAttemptOnProtocolUnexpected drives the full
// controller loop against a registrar that always returns 403 with
// Retry-After: 7, and asserts Run() doesn't retry before that delay
// elapses: within a context deadline well short of 7s, only the single
// initial REGISTER should have been sent.
func TestClientRunDelaysNextAttemptOnProtocolUnexpected(t *testing.T) {
	addr, requestCount, stop := protocolUnexpectedRegistrar(t, 7)
	defer stop()

	sink := &fakeSink{}
	logger := slog.New(slog.DiscardHandler)

	settings := ClientSettings{
		SIPHost:         addr.IP.String(),
		SIPPort:         addr.Port,
		SIPUsername:     "alice",
		SIPPassword:     "s3cret",
		CacheDir:        t.TempDir(),
		RegisterExpires: 300,
		SIPURI:          fmt.Sprintf("sip:%s:s3cret", addr.IP.String()),
	}

	client, err := NewClient(settings, sink, nil, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	client.Run(ctx)

	if got := requestCount.Load(); got != 1 {
		t.Errorf("registrar received %d requests within 1.5s, want 1 (next attempt must wait >= 7s)", got)
	}
}

// recordingRegistrar answers the same two-step handshake as fakeRegistrar
// but records every REGISTER's Expires header, so a test can assert a
// final Expires: 0 REGISTER was sent on graceful shutdown.
func recordingRegistrar(t *testing.T) (addr *net.UDPAddr, expiresSeen func() []string, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Skipf("UDP sockets unavailable in this environment: %v", err)
	}

	var mu sync.Mutex
	var expires []string

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 65536)
		for {
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, raddr, err := conn.ReadFromUDP(buf)
			select {
			case <-done:
				return
			default:
			}
			if err != nil {
				continue
			}
			req := string(buf[:n])
			cseqLine := extractLine(req, "CSeq")

			mu.Lock()
			expires = append(expires, extractLine(req, "Expires"))
			mu.Unlock()

			if strings.Contains(req, "Authorization:") {
				reply := "SIP/2.0 200 OK\r\n" +
					"CSeq: " + cseqLine + "\r\n" +
					"Content-Length: 0\r\n\r\n"
				conn.WriteToUDP([]byte(reply), raddr)
			} else {
				reply := "SIP/2.0 401 Unauthorized\r\n" +
					"WWW-Authenticate: Digest realm=\"test\", nonce=\"abc\"\r\n" +
					"CSeq: " + cseqLine + "\r\n" +
					"Content-Length: 0\r\n\r\n"
				conn.WriteToUDP([]byte(reply), raddr)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr), func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), expires...)
		}, func() {
			close(done)
			conn.Close()
		}
}

// TestClientRunGracefulShutdownSendsFinalDeregister covers graceful
// shutdown: once authenticated, Stop() must cause Run() to send one more
// REGISTER with Expires: 0 before the transport closes.
func TestClientRunGracefulShutdownSendsFinalDeregister(t *testing.T) {
	addr, expiresSeen, stop := recordingRegistrar(t)
	defer stop()

	sink := &fakeSink{}
	sentinel := &fakeSentinel{}
	logger := slog.New(slog.DiscardHandler)

	settings := ClientSettings{
		SIPHost:         addr.IP.String(),
		SIPPort:         addr.Port,
		SIPUsername:     "alice",
		SIPPassword:     "s3cret",
		CacheDir:        t.TempDir(),
		RegisterExpires: 300,
		SIPURI:          fmt.Sprintf("sip:%s:s3cret", addr.IP.String()),
	}

	client, err := NewClient(settings, sink, sentinel, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(runDone)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for client.State() != StateAuthenticated && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if client.State() != StateAuthenticated {
		t.Fatal("client never reached StateAuthenticated before shutdown")
	}

	client.Stop()

	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after Stop()")
	}

	found := false
	for _, e := range expiresSeen() {
		if e == "0" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("no REGISTER with Expires: 0 observed, want one sent on graceful shutdown; saw %v", expiresSeen())
	}
}
