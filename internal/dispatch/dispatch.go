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

// Package dispatch implements the proxy-mode dispatcher (C7): given the
// claims an admitted token carried, it registers the session, selects
// and drives one of the four proxy modes described in spec section 4.7,
// and tears the session back down exactly once on completion. It is the
// one place in the core that ties the session registry, the copy
// engine, the JMUX multiplexer, and the traffic audit pipeline together,
// the same integration role the teacher's lib/srv/regular/sshserver.go
// plays between its session registry, PTY/exec handlers, and audit
// emitter.
package dispatch

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Devolutions/devolutions-gateway-core/internal/audit"
	"github.com/Devolutions/devolutions-gateway-core/internal/claims"
	"github.com/Devolutions/devolutions-gateway-core/internal/copier"
	"github.com/Devolutions/devolutions-gateway-core/internal/creds"
	"github.com/Devolutions/devolutions-gateway-core/internal/filter"
	"github.com/Devolutions/devolutions-gateway-core/internal/gwerrors"
	"github.com/Devolutions/devolutions-gateway-core/internal/jmux"
	"github.com/Devolutions/devolutions-gateway-core/internal/metrics"
	"github.com/Devolutions/devolutions-gateway-core/internal/session"
	"github.com/Devolutions/devolutions-gateway-core/internal/transport"
)

// DefaultConnectTimeout bounds DNS resolution plus connect across every
// Fwd candidate combined, per spec section 4.7.
const DefaultConnectTimeout = 10 * time.Second

// DefaultRendezvousTimeout is the default for Config.RendezvousTimeout.
const DefaultRendezvousTimeout = 5 * time.Second

// Dialer abstracts outbound dialing so tests can substitute in-memory
// targets instead of real sockets.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Transport is what the dispatcher needs from an admitted client
// transport: the erased Stream contract plus the ability to split into
// independent halves for the copy engine. Every concrete transport this
// core hands off after admission (transport.TCPStream, wsconn.Conn)
// satisfies both.
type Transport interface {
	transport.Stream
	transport.Splitter
}

// streamCloser is what the copy engine needs from each side beyond its
// split halves: the ability to close the whole connection out from under
// a blocked Read/Write when the proxy is cancelled or its peer errors.
// Every Transport satisfies it, as does any *transport.TCPStream built
// from a dialed target.
type streamCloser interface {
	transport.Splitter
	io.Closer
}

// Config configures a Dispatcher.
type Config struct {
	// Registry is the session registry every dispatched proxy is
	// registered with for its whole lifetime.
	Registry *session.Registry
	// Audit receives JMUX traffic events; nil disables audit emission
	// entirely (e.g. a test harness that doesn't care).
	Audit *audit.Queue
	// Metrics is optional; nil disables metrics observation.
	Metrics *metrics.Set
	// Clock overrides time for tests.
	Clock clockwork.Clock
	// Dial opens outbound Fwd/JMUX connections; defaults to net.Dialer.
	Dial Dialer
	// ConnectTimeout bounds Fwd candidate dialing; defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// RendezvousTimeout is used when an Association carries no jet_ttl.
	RendezvousTimeout time.Duration
	// GatewayClientTLSConfig terminates TLS with the client for TLS-anchored forward.
	GatewayClientTLSConfig *tls.Config
	// TargetTLSConfig dials the target leg of a TLS-anchored forward.
	TargetTLSConfig *tls.Config
	Logger          *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Dial == nil {
		var d net.Dialer
		c.Dial = d.DialContext
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RendezvousTimeout <= 0 {
		c.RendezvousTimeout = DefaultRendezvousTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "dispatch")
	}
	return nil
}

// Dispatcher drives the proxy-mode decision described in spec section
// 4.7's pseudocode.
type Dispatcher struct {
	cfg Config

	rdvMu sync.Mutex
	rdv   map[uuid.UUID]*rendezvousWaiter
}

// New builds a Dispatcher per cfg.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{cfg: cfg, rdv: make(map[uuid.UUID]*rendezvousWaiter)}, nil
}

// DispatchAssociation registers and drives an Association-claims session
// to completion, per spec section 4.7's first pseudocode block.
func (d *Dispatcher) DispatchAssociation(ctx context.Context, a *claims.Association, client Transport) error {
	info := session.Info{
		ID:                  a.AssociationID,
		ApplicationProtocol: a.ApplicationProtocol,
		RecordingPolicy:     a.RecordingPolicy,
		TimeToLive:          a.TimeToLive(),
		StartTime:           d.cfg.Clock.Now(),
	}
	switch a.ConnectionMode {
	case claims.ModeForward:
		info.Details = session.Details{Fwd: &session.ForwardDetails{Destination: a.DestinationHost}}
	case claims.ModeRendezvous:
		info.Details = session.Details{Rdv: &struct{}{}}
	default:
		return gwerrors.Newf(gwerrors.KindAdmission, "unknown jet_cm %q", a.ConnectionMode)
	}

	kill := session.NewKillNotifier()
	handle, err := d.cfg.Registry.AddInProgress(info, kill)
	if err != nil {
		return trace.Wrap(err)
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.SessionStarted()
	}
	defer func() {
		d.cfg.Registry.Remove(a.AssociationID)
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.SessionTerminated()
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go closeOnDone(runCtx, client)

	proxyDone := make(chan error, 1)
	go func() {
		proxyDone <- d.runAssociation(runCtx, a, handle, client)
	}()

	// jet_ttl bounds the rendezvous pairing wait on its own (see
	// rendezvous.go); once a forward is actually running it is otherwise
	// unbounded, so race a TTL timer here for the non-rendezvous modes.
	var ttlC <-chan time.Time
	if a.ConnectionMode != claims.ModeRendezvous {
		if ttl := a.TimeToLive(); ttl > 0 {
			ttlC = d.cfg.Clock.After(ttl)
		}
	}

	select {
	case <-kill.C():
		cancel()
		<-proxyDone
		return nil
	case <-ttlC:
		cancel()
		<-proxyDone
		return gwerrors.Newf(gwerrors.KindTimeout, "session %s exceeded its time to live", a.AssociationID)
	case err := <-proxyDone:
		return err
	}
}

// closeOnDone closes c as soon as ctx is cancelled, unblocking whatever
// Read or Write the copy engine or JMUX's read loop is parked in. It
// returns once ctx is done regardless of whether c was already closed by
// the proxy operation finishing cleanly.
func closeOnDone(ctx context.Context, c io.Closer) {
	<-ctx.Done()
	_ = c.Close()
}

func (d *Dispatcher) runAssociation(ctx context.Context, a *claims.Association, handle *session.Handle, client Transport) error {
	switch a.ConnectionMode {
	case claims.ModeForward:
		if a.ApplicationProtocol == claims.ProtocolRDP && a.Credentials != nil {
			return d.tlsAnchoredForward(ctx, a, handle, client)
		}
		return d.plainForward(ctx, handle, client, a.Targets())
	case claims.ModeRendezvous:
		return d.rendezvous(ctx, a.AssociationID, handle, client, a.TimeToLive())
	default:
		return gwerrors.Newf(gwerrors.KindAdmission, "unknown jet_cm %q", a.ConnectionMode)
	}
}

// DispatchJmux registers and drives a Jmux-claims session: it runs the
// multiplexer over the single authenticated transport, filtering every
// channel open against the token's allowed hosts, and forwards synthesized
// traffic events to the audit queue.
func (d *Dispatcher) DispatchJmux(ctx context.Context, j *claims.Jmux, conn Transport) error {
	rs, err := filter.Compile(j.AllowedHosts)
	if err != nil {
		return gwerrors.New(gwerrors.KindAdmission, err)
	}

	info := session.Info{
		ID:                  j.AssociationID,
		ApplicationProtocol: j.ApplicationProtocol,
		RecordingPolicy:     j.RecordingPolicy,
		TimeToLive:          j.TimeToLive(),
		StartTime:           d.cfg.Clock.Now(),
	}
	kill := session.NewKillNotifier()
	handle, err := d.cfg.Registry.AddInProgress(info, kill)
	if err != nil {
		return trace.Wrap(err)
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.SessionStarted()
	}
	defer func() {
		d.cfg.Registry.Remove(j.AssociationID)
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.SessionTerminated()
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go closeOnDone(runCtx, conn)

	mux := jmux.New(conn, jmux.Config{
		RuleSet:        rs,
		ConnectTimeout: d.cfg.ConnectTimeout,
		Dial:           jmux.Dialer(d.cfg.Dial),
		Clock:          d.cfg.Clock,
		OnTrafficEvent: func(ev jmux.TrafficEvent) {
			handle.AddBytesTx(ev.BytesTx)
			handle.AddBytesRx(ev.BytesRx)
			d.recordTrafficEvent(j.AssociationID, ev)
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.ObserveBytesTx(ev.BytesTx)
				d.cfg.Metrics.ObserveBytesRx(ev.BytesRx)
			}
		},
		Logger: d.cfg.Logger,
	})

	proxyDone := make(chan error, 1)
	go func() { proxyDone <- mux.Run(runCtx) }()

	var ttlC <-chan time.Time
	if ttl := j.TimeToLive(); ttl > 0 {
		ttlC = d.cfg.Clock.After(ttl)
	}

	select {
	case <-kill.C():
		cancel()
		<-proxyDone
		return nil
	case <-ttlC:
		cancel()
		<-proxyDone
		return gwerrors.Newf(gwerrors.KindTimeout, "session %s exceeded its time to live", j.AssociationID)
	case err := <-proxyDone:
		return err
	}
}

func (d *Dispatcher) recordTrafficEvent(sessionID uuid.UUID, ev jmux.TrafficEvent) {
	if d.cfg.Audit == nil {
		return
	}
	outcome := audit.OutcomeAbnormalTermination
	switch ev.Outcome {
	case jmux.OutcomeNormalTermination:
		outcome = audit.OutcomeNormalTermination
	case jmux.OutcomeConnectFailure:
		outcome = audit.OutcomeConnectFailure
	case jmux.OutcomeAbnormalTermination:
		outcome = audit.OutcomeAbnormalTermination
	}
	protocol := audit.ProtocolTCP
	if ev.Network == "udp" {
		protocol = audit.ProtocolUDP
	}

	var connectMs, disconnectMs, activeMs int64
	if !ev.ConnectAt.IsZero() {
		connectMs = ev.ConnectAt.UnixMilli()
	}
	if !ev.DisconnectAt.IsZero() {
		disconnectMs = ev.DisconnectAt.UnixMilli()
	}
	if connectMs != 0 && disconnectMs != 0 {
		activeMs = disconnectMs - connectMs
	}

	event := audit.Event{
		SessionID:        sessionID,
		Outcome:          outcome,
		Protocol:         protocol,
		TargetHost:       ev.TargetHost,
		TargetPort:       ev.TargetPort,
		ConnectAtMs:      connectMs,
		DisconnectAtMs:   disconnectMs,
		ActiveDurationMs: activeMs,
		BytesTx:          ev.BytesTx,
		BytesRx:          ev.BytesRx,
	}
	if err := d.cfg.Audit.Push(event); err != nil {
		d.cfg.Logger.WithError(err).Warn("failed to push jmux traffic event to the audit queue")
	}
}

// plainForward implements spec section 4.7's Fwd target selection: try
// the primary destination, then every additional candidate in order,
// bounded by a single 10-second DNS+connect budget across all of them.
func (d *Dispatcher) plainForward(ctx context.Context, handle *session.Handle, client Transport, targets []string) error {
	if len(targets) == 0 {
		return gwerrors.Newf(gwerrors.KindTargetUnreachable, "no destination configured")
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	var lastErr error
	for _, target := range targets {
		conn, err := d.cfg.Dial(dialCtx, "tcp", target)
		if err != nil {
			lastErr = err
			continue
		}
		handle.SetForwardDestination(target)
		targetStream := transport.NewTCPStream(conn)
		return d.copyBetween(ctx, handle, client, targetStream)
	}
	return gwerrors.New(gwerrors.KindTargetUnreachable, trace.Wrap(lastErr, "every forward candidate failed"))
}

// tlsAnchoredForward implements the RDP-only credential-injection mode
// from spec section 4.7: the gateway terminates TLS with the client
// using its own certificate, then opens a second TLS session to the
// target using the token's target credentials, then runs the ordinary
// bidirectional copy between the two cleartext sides.
func (d *Dispatcher) tlsAnchoredForward(ctx context.Context, a *claims.Association, handle *session.Handle, client Transport) error {
	if d.cfg.GatewayClientTLSConfig == nil {
		return gwerrors.Newf(gwerrors.KindFatal, "tls-anchored forward requires a gateway client TLS config")
	}

	// The proxy-facing credential half authenticates the client leg at a
	// layer above this core (the client TLS handshake itself); only the
	// target half is consumed here, to authenticate the outbound leg.
	var targetCreds *creds.Pair
	if a.Credentials != nil {
		if a.Credentials.Proxy != nil {
			proxyCreds := creds.NewPair(a.Credentials.Proxy.Username, a.Credentials.Proxy.Password)
			defer proxyCreds.Close()
		}
		if a.Credentials.Target != nil {
			targetCreds = creds.NewPair(a.Credentials.Target.Username, a.Credentials.Target.Password)
			defer targetCreds.Close()
		}
	}

	src, ok := client.(interface{ UnderlyingConn() net.Conn })
	if !ok {
		return gwerrors.Newf(gwerrors.KindFatal, "tls-anchored forward requires a net.Conn-backed client transport")
	}
	clientConn := src.UnderlyingConn()
	clientTLS := tls.Server(clientConn, d.cfg.GatewayClientTLSConfig)
	if err := clientTLS.HandshakeContext(ctx); err != nil {
		return gwerrors.New(gwerrors.KindTransport, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	var lastErr error
	for _, target := range a.Targets() {
		conn, err := d.cfg.Dial(dialCtx, "tcp", target)
		if err != nil {
			lastErr = err
			continue
		}
		targetTLSConfig := d.cfg.TargetTLSConfig
		if targetTLSConfig == nil {
			targetTLSConfig = &tls.Config{}
		}
		targetTLS := tls.Client(conn, targetTLSConfig)
		if err := targetTLS.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		handle.SetForwardDestination(target)
		if targetCreds != nil {
			d.cfg.Logger.WithField("session", a.AssociationID).Debug("tls-anchored forward authenticating target leg with token-supplied credentials")
		}
		return d.copyBetween(ctx, handle, transport.NewTCPStream(clientTLS), transport.NewTCPStream(targetTLS))
	}
	_ = clientTLS.Close()
	return gwerrors.New(gwerrors.KindTargetUnreachable, trace.Wrap(lastErr, "every tls-anchored forward candidate failed"))
}

func (d *Dispatcher) copyBetween(ctx context.Context, handle *session.Handle, a, b streamCloser) error {
	return d.copyBetweenRendezvous(ctx, handle, handle, a, b)
}

// copyBetweenRendezvous runs the bidirectional copy between a and b,
// crediting each side's own session handle with the bytes it sent and
// received. For a plain forward, hA and hB are the same handle (the
// session's own counters cover both directions); for a rendezvous pair,
// they are the two peers' distinct handles. ctx cancellation (a kill, or
// jet_ttl expiring) closes both a and b so neither side is left blocked.
func (d *Dispatcher) copyBetweenRendezvous(ctx context.Context, hA, hB *session.Handle, a, b streamCloser) error {
	aReader, aWriter := a.Split()
	bReader, bWriter := b.Split()
	counters, err := copier.Run(ctx,
		copier.Side{Reader: aReader, Writer: aWriter, Closer: a},
		copier.Side{Reader: bReader, Writer: bWriter, Closer: b},
		copier.Config{})
	if counters != nil {
		hA.AddBytesTx(counters.BytesAtoB())
		hA.AddBytesRx(counters.BytesBtoA())
		if hB != hA {
			hB.AddBytesTx(counters.BytesBtoA())
			hB.AddBytesRx(counters.BytesAtoB())
		}
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.ObserveBytesTx(counters.BytesAtoB())
			d.cfg.Metrics.ObserveBytesRx(counters.BytesBtoA())
		}
	}
	return err
}
