package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// State is the registration controller's lifecycle state (component E).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateChallenging
	StateAuthenticated
	StateRefreshing
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateChallenging:
		return "challenging"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	openTimeout       = 10 * time.Second
	requestTimeout    = 10 * time.Second
	maxRefreshCycles  = 20
	minRefreshSeconds = 10
	defaultErrorWait  = 30 * time.Second
)

// ClientSettings is the subset of config.Settings the registration
// controller needs. Kept as an interface-shaped struct rather than
// importing internal/config directly, so sip stays a leaf package.
type ClientSettings struct {
	SIPHost         string
	SIPPort         int
	SIPUsername     string
	SIPPassword     string
	CacheDir        string
	RegisterExpires int
	SIPURI          string
}

// LivenessSentinel is touched on every successful registration, so an
// external health check can tell the process is alive (component G).
type LivenessSentinel interface {
	Touch() error
}

// protocolError marks a REGISTER response that parsed fine but carried an
// unexpected status (neither 401 nor 200): the registrar itself is behaving
// oddly, so the controller closes and reopens the transport rather than
// retrying on the same socket. retryAfter, when positive, is honored as the
// wait before the next attempt instead of the exponential backoff.
type protocolError struct {
	err        error
	retryAfter time.Duration
}

func (e *protocolError) Error() string { return e.err.Error() }
func (e *protocolError) Unwrap() error { return e.err }

// Client is the registration controller: it owns the transport and
// correlator, drives the REGISTER/authenticate/refresh state machine, and
// routes inbound requests to an Observer (component E).
type Client struct {
	settings ClientSettings
	sink     CallSink
	sentinel LivenessSentinel
	logger   *slog.Logger

	callerID string
	cseq     *CSeqCounter

	transport  *Transport
	correlator *Correlator
	observer   *Observer

	state atomic.Int32

	backoff *backoff

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewClient constructs a Client, loading or creating the persisted
// Caller-ID under settings.CacheDir.
func NewClient(settings ClientSettings, sink CallSink, sentinel LivenessSentinel, logger *slog.Logger) (*Client, error) {
	callerID, err := LoadOrCreateCallerID(settings.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("loading caller id: %w", err)
	}

	return &Client{
		settings: settings,
		sink:     sink,
		sentinel: sentinel,
		logger:   logger.With("subsystem", "sip.client"),
		callerID: callerID,
		cseq:     NewCSeqCounter(),
		backoff:  newBackoff(),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.logger.Debug("state transition", "state", s.String())
}

// State returns the controller's current state. Safe to call from any
// goroutine, including while Run is active.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Stop requests graceful shutdown: a best-effort Expires: 0 REGISTER is
// sent before the socket closes. Safe to call once; Run returns after
// shutdown completes.
func (c *Client) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// Run drives the registration state machine until ctx is canceled or Stop
// is called. It never returns until the controller has fully terminated.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			return c.terminate()
		case <-c.stopCh:
			return c.terminate()
		default:
		}

		c.setState(StateConnecting)
		if err := c.openTransport(ctx); err != nil {
			c.logger.Error("failed to open transport", "error", err)
			if !c.sleep(ctx, c.backoff.next()) {
				return c.terminate()
			}
			continue
		}

		cycles := 0
		registerFailed := false
		stopping := false
		failWait := time.Duration(0)
		for cycles < maxRefreshCycles {
			if cycles == 0 {
				c.setState(StateChallenging)
			} else {
				c.setState(StateRefreshing)
			}

			wait, registerErr := c.register(ctx, c.settings.RegisterExpires)
			if registerErr != nil {
				c.logger.Error("registration cycle failed", "error", registerErr)
				registerFailed = true
				var protoErr *protocolError
				if errors.As(registerErr, &protoErr) && protoErr.retryAfter > 0 {
					failWait = protoErr.retryAfter
				}
				break
			}

			c.setState(StateAuthenticated)
			c.backoff.reset()
			cycles++

			if !c.sleep(ctx, wait) {
				// Shutdown requested while authenticated: leave the
				// transport open so terminate() can send the final
				// Expires: 0 REGISTER over it.
				stopping = true
				break
			}
		}

		if stopping {
			return c.terminate()
		}

		// Either a registration attempt failed, or the 20-cycle re-cycle
		// limit was reached: close and reopen the socket
		// for a fresh Via/local port before the next attempt.
		c.transport.Close()
		c.correlator.Close()

		if registerFailed {
			d := failWait
			if d <= 0 {
				d = c.backoff.next()
			}
			if !c.sleep(ctx, d) {
				return c.terminate()
			}
		}
	}
}

// Done returns a channel closed once Run has returned.
func (c *Client) Done() <-chan struct{} {
	return c.stopped
}

func (c *Client) openTransport(ctx context.Context) error {
	t := NewTransport(c.logger)
	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	if err := t.Open(openCtx, c.settings.SIPHost, c.settings.SIPPort, c.handleDatagram); err != nil {
		return err
	}

	c.transport = t
	c.correlator = NewCorrelator(t, requestTimeout)
	c.observer = NewObserver(c.sink, c.logger)
	return nil
}

func (c *Client) handleDatagram(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		if err == ErrKeepAlive {
			return
		}
		c.logger.Warn("dropping unparseable datagram", "error", err)
		return
	}

	switch m := msg.(type) {
	case *Response:
		if !c.correlator.DeliverResponse(m) {
			c.logger.Warn("no pending request for response", "status", m.StatusCode)
		}
	case *Request:
		c.observer.HandleRequest(m)
	}
}

// register runs one full REGISTER handshake: an unauthenticated attempt,
// a digest-authenticated retry on 401, and returns how long to wait before
// the next refresh (component E).
func (c *Client) register(ctx context.Context, expires int) (time.Duration, error) {
	resp1, err := c.sendRegister(ctx, expires, nil)
	if err != nil {
		return 0, fmt.Errorf("first REGISTER: %w", err)
	}

	if resp1.StatusCode != 401 {
		c.logger.Warn("unexpected response to unauthenticated REGISTER", "status", resp1.StatusCode)
		c.logger.Debug("unauthenticated REGISTER response", "headers", dumpHeaders(resp1.Hdrs), "body", string(resp1.Body()))
		return 0, &protocolError{
			err:        fmt.Errorf("unexpected status %d to unauthenticated REGISTER, want 401", resp1.StatusCode),
			retryAfter: retryAfterOrDefault(resp1),
		}
	}

	wwwAuth, ok := resp1.Hdrs.Get("WWW-Authenticate")
	if !ok {
		return 0, fmt.Errorf("401 response missing WWW-Authenticate")
	}
	challenge, err := ParseChallenge(wwwAuth)
	if err != nil {
		return 0, err
	}

	auth := ComputeAuthorization(c.settings.SIPUsername, challenge.Realm, challenge.Nonce, c.settings.SIPPassword, "REGISTER", c.settings.SIPURI)

	resp2, err := c.sendRegister(ctx, expires, &auth)
	if err != nil {
		return 0, fmt.Errorf("authenticated REGISTER: %w", err)
	}

	if expires == 0 {
		c.logger.Info("de-registered", "status", resp2.StatusCode)
		return 0, nil
	}

	if resp2.StatusCode != 200 {
		c.logger.Warn("unexpected response to authenticated REGISTER", "status", resp2.StatusCode)
		c.logger.Debug("authenticated REGISTER response", "headers", dumpHeaders(resp2.Hdrs), "body", string(resp2.Body()))
		return 0, &protocolError{
			err:        fmt.Errorf("unexpected status %d to authenticated REGISTER, want 200", resp2.StatusCode),
			retryAfter: retryAfterOrDefault(resp2),
		}
	}

	if c.sentinel != nil {
		if err := c.sentinel.Touch(); err != nil {
			c.logger.Error("failed to update liveness sentinel", "error", err)
		}
	}

	wait := expires - 1
	if wait < minRefreshSeconds {
		wait = minRefreshSeconds
	}
	c.logger.Info("registered", "re_register_in_seconds", wait)
	return time.Duration(wait) * time.Second, nil
}

func (c *Client) sendRegister(ctx context.Context, expires int, authorization *string) (*Response, error) {
	branch, err := GenerateBranch()
	if err != nil {
		return nil, err
	}
	cseq := c.cseq.Next()
	local := c.transport.LocalAddr()

	lines := []string{
		fmt.Sprintf("REGISTER sip:%s:%d SIP/2.0", c.settings.SIPHost, c.settings.SIPPort),
		fmt.Sprintf("Via: SIP/2.0/UDP %s;rport;branch=%s", local.String(), branch),
		fmt.Sprintf("CSeq: %d REGISTER", cseq),
	}
	if authorization != nil {
		lines = append(lines, "Authorization: "+*authorization)
	}
	lines = append(lines,
		fmt.Sprintf("From: <sip:%s@%s:%d>", c.settings.SIPUsername, c.settings.SIPHost, c.settings.SIPPort),
		fmt.Sprintf("To: <sip:%s@%s:%d>", c.settings.SIPUsername, c.settings.SIPHost, c.settings.SIPPort),
		fmt.Sprintf("Call-ID: %s", c.callerID),
		fmt.Sprintf("Contact: <sip:%s@%s>", c.settings.SIPUsername, local.String()),
		fmt.Sprintf("Expires: %d", expires),
		"Max-Forwards: 70",
		"User-Agent: TutorCruncher Mithra",
		"Content-Length: 0",
	)

	return c.correlator.Request(ctx, lines)
}

func (c *Client) terminate() error {
	c.setState(StateTerminating)

	if c.transport != nil {
		termCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if _, err := c.register(termCtx, 0); err != nil {
			c.logger.Warn("de-registration attempt failed", "error", err)
		}
		c.correlator.Close()
		c.transport.Close()
	}

	c.setState(StateTerminated)
	return nil
}

// sleep waits for d, returning false if ctx or Stop fired first.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

func retryAfterOrDefault(resp *Response) time.Duration {
	if v, ok := resp.Hdrs.Get("Retry-After"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultErrorWait
}

func dumpHeaders(h *Headers) string {
	var parts []string
	for _, name := range h.Names() {
		v, _ := h.Get(name)
		parts = append(parts, name+": "+v)
	}
	return strings.Join(parts, "; ")
}
