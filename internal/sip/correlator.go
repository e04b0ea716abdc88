package sip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRequestTimeout is returned by Correlator.Request when no matching
// response arrives within its timeout.
var ErrRequestTimeout = errors.New("sip: request timed out")

// ErrCorrelatorClosed is returned for requests made after Close, and to
// any request still outstanding when Close runs.
var ErrCorrelatorClosed = errors.New("sip: correlator closed")

type pendingRequest struct {
	result chan correlatorResult
	once   sync.Once
}

func (p *pendingRequest) settle(res correlatorResult) {
	p.once.Do(func() { p.result <- res })
}

type correlatorResult struct {
	resp *Response
	err  error
}

// Correlator enforces a single-outstanding-request discipline: at most
// one PendingRequest exists at a time, and a
// mutex serializes Request calls so the n+1th request is only composed
// after the nth has settled or timed out.
type Correlator struct {
	transport *Transport
	timeout   time.Duration

	reqMu sync.Mutex

	slotMu sync.Mutex
	slot   *pendingRequest

	closed atomic.Bool
}

// NewCorrelator returns a Correlator that sends over transport and waits
// up to timeout for each response.
func NewCorrelator(transport *Transport, timeout time.Duration) *Correlator {
	return &Correlator{transport: transport, timeout: timeout}
}

// Request joins lines with CRLF, terminates with a blank line, sends the
// result as one datagram, and blocks until a response is delivered,
// the timeout elapses, or ctx is canceled.
func (c *Correlator) Request(ctx context.Context, lines []string) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrCorrelatorClosed
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	wire := strings.Join(lines, "\r\n") + "\r\n\r\n"

	slot := &pendingRequest{result: make(chan correlatorResult, 1)}
	c.slotMu.Lock()
	c.slot = slot
	c.slotMu.Unlock()
	defer func() {
		c.slotMu.Lock()
		if c.slot == slot {
			c.slot = nil
		}
		c.slotMu.Unlock()
	}()

	if err := c.transport.Send([]byte(wire)); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-slot.result:
		return res.resp, res.err
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DeliverResponse routes an inbound Response to the currently outstanding
// request, if any. It reports whether a pending request accepted it;
// callers should log and drop unsolicited responses.
func (c *Correlator) DeliverResponse(resp *Response) bool {
	c.slotMu.Lock()
	slot := c.slot
	c.slotMu.Unlock()
	if slot == nil {
		return false
	}
	slot.settle(correlatorResult{resp: resp})
	return true
}

// Pending reports whether a request is currently outstanding.
func (c *Correlator) Pending() bool {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	return c.slot != nil
}

// Close marks the correlator unusable and fails any outstanding request.
func (c *Correlator) Close() {
	c.closed.Store(true)
	c.slotMu.Lock()
	slot := c.slot
	c.slot = nil
	c.slotMu.Unlock()
	if slot != nil {
		slot.settle(correlatorResult{err: ErrCorrelatorClosed})
	}
}
