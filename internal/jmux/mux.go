/*
Copyright 2026 Devolutions Gateway Core Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package jmux

import (
	"context"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Devolutions/devolutions-gateway-core/internal/filter"
	"github.com/Devolutions/devolutions-gateway-core/internal/gwerrors"
)

// DefaultInitialWindowSize is the receive budget granted to the peer for
// each newly opened channel when Config.InitialWindowSize is zero.
const DefaultInitialWindowSize = 1 << 20 // 1 MiB, per section 4.8's example.

// DefaultChannelMaxPacketSize is advertised to the peer as the largest
// Data payload this side will accept on a channel.
const DefaultChannelMaxPacketSize = MaxPacketSize - HeaderSize - 4

// DefaultConnectTimeout bounds dialing a filtered-in destination.
const DefaultConnectTimeout = 10 * time.Second

// Outcome classifies why a channel (and the traffic event synthesized
// for it) ended, per section 4.8's final paragraph.
type Outcome int

const (
	OutcomeNormalTermination Outcome = iota
	OutcomeAbnormalTermination
	OutcomeConnectFailure
)

// TrafficEvent is synthesized once per channel at close, carrying enough
// detail for a consumer (internal/dispatch, by way of internal/audit) to
// build the spec section 3 traffic event record.
type TrafficEvent struct {
	DestinationURL string
	Network        string // "tcp" or "udp", the dialed scheme
	TargetHost     string
	TargetPort     uint16
	ConnectAt      time.Time // zero if the connection never succeeded
	DisconnectAt   time.Time
	BytesTx        int64
	BytesRx        int64
	Outcome        Outcome
}

// Dialer abstracts the outbound connection JMUX makes per Open request,
// so tests can substitute an in-memory target instead of a real socket.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Config configures a Mux.
type Config struct {
	RuleSet           *filter.RuleSet
	InitialWindowSize uint32
	MaxPacketSize     uint16
	ConnectTimeout    time.Duration
	Dial              Dialer
	OnTrafficEvent    func(TrafficEvent)
	Logger            *logrus.Entry
	// Clock stamps TrafficEvent.ConnectAt/DisconnectAt; overridden in tests.
	Clock clockwork.Clock
}

func (c *Config) checkAndSetDefaults() {
	if c.RuleSet == nil {
		c.RuleSet, _ = filter.Compile(nil)
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = DefaultInitialWindowSize
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultChannelMaxPacketSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Dial == nil {
		var d net.Dialer
		c.Dial = d.DialContext
	}
	if c.OnTrafficEvent == nil {
		c.OnTrafficEvent = func(TrafficEvent) {}
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "jmux")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Mux runs the accept-only side of the JMUX protocol over one
// authenticated transport: it never initiates Open itself, only accepts
// the peer's Open requests, filters them, dials the target, and relays
// bytes. This matches the one role this gateway plays in JMUX per
// section 4.7 (the multiplexer "runs... with filtering derived from
// claims.hosts", always on the admitting side).
type Mux struct {
	conn io.ReadWriteCloser
	cfg  Config

	writeMu sync.Mutex

	idsMu sync.Mutex
	ids   idAllocator

	channelsMu sync.Mutex
	channels   map[uint32]*channel

	closed atomic.Bool
}

// New builds a Mux over conn, which must already be admitted (claims
// validated, session registered) before Run is called.
func New(conn io.ReadWriteCloser, cfg Config) *Mux {
	cfg.checkAndSetDefaults()
	return &Mux{
		conn:     conn,
		cfg:      cfg,
		channels: make(map[uint32]*channel),
	}
}

// Run reads frames from the transport until it errors or reaches a
// clean EOF, dispatching each to its channel. It returns nil when the
// transport reaches a clean EOF, whether or not channels are still open,
// and the first protocol/transport error otherwise. Run closes every still-open
// channel's target socket before returning.
func (m *Mux) Run(ctx context.Context) error {
	defer m.shutdown()

	for {
		msg, err := ReadMessage(m.conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return gwerrors.New(gwerrors.KindTransport, err)
		}

		if err := m.dispatch(ctx, msg); err != nil {
			return gwerrors.New(gwerrors.KindProtocolViolation, err)
		}
	}
}

func (m *Mux) dispatch(ctx context.Context, msg Message) error {
	switch v := msg.(type) {
	case Open:
		m.handleOpen(ctx, v)
		return nil
	case Data:
		return m.handleData(v)
	case WindowAdjust:
		return m.handleWindowAdjust(v)
	case Eof:
		return m.handlePeerEof(v)
	case Close:
		return m.handlePeerClose(v)
	default:
		return gwerrors.Newf(gwerrors.KindProtocolViolation, "unexpected message type from peer: %T", msg)
	}
}

func (m *Mux) writeMessage(msg Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return WriteMessage(m.conn, msg)
}

func (m *Mux) handleOpen(ctx context.Context, msg Open) {
	network, address, reason, err := resolveTarget(m.cfg.RuleSet, msg.DestinationURL)
	if err != nil {
		m.cfg.Logger.WithError(err).WithField("url", msg.DestinationURL).Debug("jmux open rejected")
		_ = m.writeMessage(OpenFailure{DistantID: msg.SenderID, ReasonCode: uint32(reason), Description: err.Error()})
		m.cfg.OnTrafficEvent(TrafficEvent{DestinationURL: msg.DestinationURL, Outcome: OutcomeConnectFailure})
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	target, err := m.cfg.Dial(dialCtx, network, address)
	cancel()
	if err != nil {
		m.cfg.Logger.WithError(err).WithField("address", address).Debug("jmux dial failed")
		_ = m.writeMessage(OpenFailure{DistantID: msg.SenderID, ReasonCode: uint32(gwerrors.ReasonConnectionFailed), Description: err.Error()})
		m.cfg.OnTrafficEvent(TrafficEvent{DestinationURL: msg.DestinationURL, Outcome: OutcomeConnectFailure})
		return
	}

	m.idsMu.Lock()
	localID := m.ids.alloc()
	m.idsMu.Unlock()

	ch := newChannel(localID, msg.SenderID, msg.DestinationURL, target, m.cfg.InitialWindowSize)
	ch.network = network
	ch.connectAt = m.cfg.Clock.Now()
	if host, portStr, splitErr := net.SplitHostPort(address); splitErr == nil {
		ch.targetHost = host
		if port, perr := parsePort(portStr); perr == nil {
			ch.targetPort = port
		}
	}

	m.channelsMu.Lock()
	m.channels[localID] = ch
	m.channelsMu.Unlock()

	if err := m.writeMessage(OpenSuccess{
		DistantID:         msg.SenderID,
		SenderID:          localID,
		InitialWindowSize: m.cfg.InitialWindowSize,
		MaxPacketSize:     m.cfg.MaxPacketSize,
	}); err != nil {
		m.removeChannel(ch, OutcomeAbnormalTermination)
		return
	}

	go m.pumpFromTarget(ch)
}

// resolveTarget parses a "scheme://host:port" destination URL, applies
// the filter, and returns the dial network/address pair, or a reason
// code plus error when it should be rejected.
func resolveTarget(rs *filter.RuleSet, destination string) (network, address string, reason gwerrors.OpenFailureReason, err error) {
	u, err := url.Parse(destination)
	if err != nil {
		return "", "", gwerrors.ReasonGeneralFailure, err
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", "", gwerrors.ReasonGeneralFailure, err
	}
	port, err := parsePort(portStr)
	if err != nil {
		return "", "", gwerrors.ReasonGeneralFailure, err
	}

	if !rs.Allows(host, port) {
		return "", "", gwerrors.ReasonConnectionNotAllowed, gwerrors.ErrConnectionNotAllowed
	}

	network = u.Scheme
	if network == "" {
		network = "tcp"
	}
	return network, u.Host, 0, nil
}

func parsePort(s string) (uint16, error) {
	if s == "" {
		return 0, gwerrors.Newf(gwerrors.KindProtocolViolation, "missing port")
	}
	var v int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, gwerrors.Newf(gwerrors.KindProtocolViolation, "invalid port %q", s)
		}
		v = v*10 + int(r-'0')
	}
	return uint16(v), nil
}

func (m *Mux) handleData(msg Data) error {
	ch := m.lookup(msg.ChannelID)
	if ch == nil {
		return gwerrors.Newf(gwerrors.KindProtocolViolation, "data for unknown channel %d", msg.ChannelID)
	}
	if state := ch.getState(); state != StateOpen && state != StateEofSent {
		return gwerrors.Newf(gwerrors.KindProtocolViolation, "data on channel %d in state %v", msg.ChannelID, state)
	}
	if !ch.recordReceived(len(msg.Bytes)) {
		return gwerrors.Newf(gwerrors.KindProtocolViolation, "channel %d exceeded its granted window", msg.ChannelID)
	}
	if len(msg.Bytes) > 0 {
		if _, err := ch.target.Write(msg.Bytes); err != nil {
			m.removeChannel(ch, OutcomeAbnormalTermination)
			return nil
		}
		ch.addBytesRx(len(msg.Bytes))
	}
	if grant := ch.pendingGrant(int64(m.cfg.InitialWindowSize) / 2); grant > 0 {
		_ = m.writeMessage(WindowAdjust{ChannelID: ch.peerID, Delta: grant})
	}
	return nil
}

func (m *Mux) handleWindowAdjust(msg WindowAdjust) error {
	ch := m.lookup(msg.ChannelID)
	if ch == nil {
		return gwerrors.Newf(gwerrors.KindProtocolViolation, "window adjust for unknown channel %d", msg.ChannelID)
	}
	ch.creditSend(msg.Delta)
	return nil
}

func (m *Mux) handlePeerEof(msg Eof) error {
	ch := m.lookup(msg.ChannelID)
	if ch == nil {
		return gwerrors.Newf(gwerrors.KindProtocolViolation, "eof for unknown channel %d", msg.ChannelID)
	}
	next, err := ch.applyEvent(eventPeerEof)
	if err != nil {
		return err
	}
	if halfCloser, ok := ch.target.(interface{ CloseWrite() error }); ok {
		_ = halfCloser.CloseWrite()
	} else {
		_ = ch.target.Close()
	}
	if next == StateClosing {
		return m.writeMessage(Close{ChannelID: ch.peerID})
	}
	return nil
}

func (m *Mux) handlePeerClose(msg Close) error {
	ch := m.lookup(msg.ChannelID)
	if ch == nil {
		return gwerrors.Newf(gwerrors.KindProtocolViolation, "close for unknown channel %d", msg.ChannelID)
	}
	if _, err := ch.applyEvent(eventPeerClose); err != nil {
		return err
	}
	m.removeChannel(ch, OutcomeNormalTermination)
	return nil
}

// pumpFromTarget reads from the dialed target and forwards it as Data
// frames, respecting the channel's send window; on clean target EOF it
// sends Eof and advances the state machine.
func (m *Mux) pumpFromTarget(ch *channel) {
	buf := make([]byte, m.cfg.MaxPacketSize)

	for {
		n, readErr := ch.target.Read(buf)
		if n > 0 {
			sent := 0
			for sent < n {
				want := ch.reserveSend(n - sent)
				if want == 0 {
					m.removeChannel(ch, OutcomeAbnormalTermination)
					return
				}
				if err := m.writeMessage(Data{ChannelID: ch.peerID, Bytes: buf[sent : sent+want]}); err != nil {
					m.removeChannel(ch, OutcomeAbnormalTermination)
					return
				}
				ch.addBytesTx(want)
				sent += want
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				next, err := ch.applyEvent(eventLocalEof)
				if err != nil {
					m.removeChannel(ch, OutcomeAbnormalTermination)
					return
				}
				if werr := m.writeMessage(Eof{ChannelID: ch.peerID}); werr != nil {
					m.removeChannel(ch, OutcomeAbnormalTermination)
					return
				}
				// Closing is terminal only once the peer's own Close is
				// observed (handlePeerClose); reaching it here just means
				// both directions have now seen Eof, so send our Close
				// and wait for the peer's to actually free the channel.
				if next == StateClosing {
					_ = m.writeMessage(Close{ChannelID: ch.peerID})
				}
				return
			}
			m.removeChannel(ch, OutcomeAbnormalTermination)
			return
		}
	}
}

func (m *Mux) lookup(id uint32) *channel {
	m.channelsMu.Lock()
	defer m.channelsMu.Unlock()
	return m.channels[id]
}

func (m *Mux) removeChannel(ch *channel, outcome Outcome) {
	m.channelsMu.Lock()
	_, existed := m.channels[ch.localID]
	delete(m.channels, ch.localID)
	m.channelsMu.Unlock()
	if !existed {
		return
	}

	m.idsMu.Lock()
	m.ids.release(ch.localID)
	m.idsMu.Unlock()

	ch.wake()
	_ = ch.target.Close()

	m.cfg.OnTrafficEvent(TrafficEvent{
		DestinationURL: ch.destinationURL,
		Network:        ch.network,
		TargetHost:     ch.targetHost,
		TargetPort:     ch.targetPort,
		ConnectAt:      ch.connectAt,
		DisconnectAt:   m.cfg.Clock.Now(),
		BytesTx:        ch.BytesTx(),
		BytesRx:        ch.BytesRx(),
		Outcome:        outcome,
	})
}

// shutdown tears down every still-open channel when Run returns, so a
// transport-level failure doesn't leak dialed target sockets.
func (m *Mux) shutdown() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.channelsMu.Lock()
	all := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		all = append(all, ch)
	}
	m.channelsMu.Unlock()

	for _, ch := range all {
		m.removeChannel(ch, OutcomeAbnormalTermination)
	}
}
