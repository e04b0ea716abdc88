// Package relay implements the UDP relay (component H): a transparent
// per-source proxy in front of the SIP registrar, learning a fresh
// upstream-facing socket for each distinct client address and forwarding
// datagrams in both directions, while opportunistically parsing inbound
// INVITEs the same way the registration client's Observer does.
//
// The deadline-driven forward loop and atomic shutdown pattern follow the
// same style as a per-session RTP relay; the per-source socket mapping and
// the ▼/▲ trace printer follow an asyncio proxy's RemoteDatagramProtocol
// design.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tutorcruncher/mithra/internal/sip"
)

const readDeadlineInterval = 500 * time.Millisecond

type direction int

const (
	inbound direction = iota
	outbound
)

func (d direction) glyph() string {
	if d == inbound {
		return "▼"
	}
	return "▲"
}

func (d direction) String() string {
	if d == inbound {
		return "inbound"
	}
	return "outbound"
}

// Settings is the subset of config.Settings the relay needs.
type Settings struct {
	ProxyHost string
	SIPHost   string
	SIPPort   int
}

type remoteEndpoint struct {
	conn       *net.UDPConn
	clientAddr *net.UDPAddr
}

// Relay listens on ProxyHost:SIPPort and forwards every datagram to/from
// SIPHost:SIPPort, maintaining one upstream-facing socket per distinct
// client address.
type Relay struct {
	settings Settings
	sink     sip.CallSink
	logger   *slog.Logger

	conn     *net.UDPConn
	upstream *net.UDPAddr

	mu      sync.Mutex
	remotes map[string]*remoteEndpoint
}

// New returns a Relay that records each INVITE it observes from upstream
// to sink.
func New(settings Settings, sink sip.CallSink, logger *slog.Logger) *Relay {
	return &Relay{
		settings: settings,
		sink:     sink,
		logger:   logger.With("subsystem", "relay"),
		remotes:  make(map[string]*remoteEndpoint),
	}
}

// Run binds the proxy socket and forwards datagrams until ctx is
// canceled.
func (r *Relay) Run(ctx context.Context) error {
	upstream, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", r.settings.SIPHost, r.settings.SIPPort))
	if err != nil {
		return fmt.Errorf("resolving upstream %s:%d: %w", r.settings.SIPHost, r.settings.SIPPort, err)
	}
	r.upstream = upstream

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(r.settings.ProxyHost), Port: r.settings.SIPPort})
	if err != nil {
		return fmt.Errorf("listening on %s:%d: %w", r.settings.ProxyHost, r.settings.SIPPort, err)
	}
	r.conn = conn

	r.logger.Info("relay listening", "proxy_host", r.settings.ProxyHost, "port", r.settings.SIPPort, "upstream", upstream.String())

	r.readLoop(ctx)

	conn.Close()
	r.closeAllRemotes()
	return nil
}

func (r *Relay) readLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		r.conn.SetReadDeadline(time.Now().Add(readDeadlineInterval))
		n, clientAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("proxy read error", "error", err)
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		r.handleClientDatagram(ctx, clientAddr, data)
	}
}

func (r *Relay) handleClientDatagram(ctx context.Context, clientAddr *net.UDPAddr, data []byte) {
	key := clientAddr.String()

	r.mu.Lock()
	ep, ok := r.remotes[key]
	r.mu.Unlock()

	if ok {
		r.trace(outbound, data)
		if _, err := ep.conn.Write(data); err != nil {
			r.logger.Warn("forwarding to upstream failed", "error", err)
		}
		return
	}

	r.dialRemote(ctx, clientAddr, data)
}

func (r *Relay) dialRemote(ctx context.Context, clientAddr *net.UDPAddr, initial []byte) {
	conn, err := net.DialUDP("udp", nil, r.upstream)
	if err != nil {
		r.logger.Error("failed to dial upstream", "error", err, "client", clientAddr.String())
		return
	}

	ep := &remoteEndpoint{conn: conn, clientAddr: clientAddr}
	r.mu.Lock()
	r.remotes[clientAddr.String()] = ep
	r.mu.Unlock()

	r.trace(outbound, initial)
	if _, err := conn.Write(initial); err != nil {
		r.logger.Warn("forwarding initial datagram failed", "error", err)
	}

	go r.remoteReadLoop(ctx, ep)
}

func (r *Relay) remoteReadLoop(ctx context.Context, ep *remoteEndpoint) {
	defer func() {
		r.mu.Lock()
		delete(r.remotes, ep.clientAddr.String())
		r.mu.Unlock()
		ep.conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		ep.conn.SetReadDeadline(time.Now().Add(readDeadlineInterval))
		n, err := ep.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("upstream connection closed", "client", ep.clientAddr.String(), "error", err)
			return
		}

		data := append([]byte(nil), buf[:n]...)
		r.trace(inbound, data)

		if _, err := r.conn.WriteToUDP(data, ep.clientAddr); err != nil {
			r.logger.Warn("forwarding to client failed", "error", err)
		}

		r.observeInvite(data)
	}
}

// observeInvite applies the same number/brand extraction as the
// registration client's Observer, but without a dedup cache: the relay
// sees both legs of a dialog and has no single From-header dialog state
// to dedupe against cheaply.
func (r *Relay) observeInvite(data []byte) {
	msg, err := sip.ParseMessage(data)
	if err != nil {
		return
	}
	req, ok := msg.(*sip.Request)
	if !ok || req.Method != "INVITE" {
		return
	}
	from, _ := req.Hdrs.Get("From")
	number := sip.ExtractCallerNumber(from)
	if number == "" {
		number = "unknown"
	}
	brand := sip.ExtractBrand(req.Hdrs)
	r.sink.RecordCall(number, brand)
}

func (r *Relay) trace(dir direction, data []byte) {
	firstLine, _, _ := strings.Cut(string(data), "\r\n")
	r.logger.Debug(fmt.Sprintf("%s %s", dir.glyph(), firstLine), "direction", dir.String())
}

func (r *Relay) closeAllRemotes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ep := range r.remotes {
		ep.conn.Close()
		delete(r.remotes, key)
	}
}
