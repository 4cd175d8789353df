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

// Package admission implements the admission front-end (C9): the one
// place a bare accepted connection, TCP or WebSocket, is turned into an
// authenticated transport handed off to the dispatcher. A TCP-style
// listener presents a length-prefixed preconnection blob carrying the
// token; a WebSocket listener carries it in the upgrade request. Both
// paths share the same token verification, credentials-over-cleartext
// rule, and recording-policy/JMUX compatibility check before anything is
// registered with the session registry.
package admission

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Devolutions/devolutions-gateway-core/internal/claims"
	"github.com/Devolutions/devolutions-gateway-core/internal/dispatch"
	"github.com/Devolutions/devolutions-gateway-core/internal/gwerrors"
	"github.com/Devolutions/devolutions-gateway-core/internal/tokenverify"
	"github.com/Devolutions/devolutions-gateway-core/internal/transport"
	"github.com/Devolutions/devolutions-gateway-core/internal/wsconn"
)

// DefaultRequestTimeout bounds how long admission may take to read the
// preconnection blob or complete the WebSocket upgrade, per spec section 4.9.
const DefaultRequestTimeout = 15 * time.Second

// preconnectionHeaderSize is the fixed 4-byte length + 2-byte version +
// 2-byte flags prefix of a TCP-listener preconnection blob.
const preconnectionHeaderSize = 8

const preconnectionVersion = 1

// Config configures a Frontend.
type Config struct {
	// Verifier authenticates every presented token.
	Verifier *tokenverify.Verifier
	// Dispatcher drives the proxy mode once a token is admitted.
	Dispatcher *dispatch.Dispatcher
	// RequestTimeout bounds admission itself, not the proxy session that
	// follows it; defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
	// Upgrader performs the WebSocket handshake; defaults to a
	// zero-value websocket.Upgrader.
	Upgrader *websocket.Upgrader
	// KeepAliveInterval configures the WS keep-alive ping sentinel;
	// zero disables it.
	KeepAliveInterval time.Duration
	// Clock overrides time for tests.
	Clock  clockwork.Clock
	Logger *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.Verifier == nil {
		return trace.BadParameter("missing parameter Verifier")
	}
	if c.Dispatcher == nil {
		return trace.BadParameter("missing parameter Dispatcher")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Upgrader == nil {
		c.Upgrader = &websocket.Upgrader{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "admission")
	}
	return nil
}

// Frontend is the admission front-end. The zero value is not usable;
// construct with New.
type Frontend struct {
	cfg Config
}

// New builds a Frontend per cfg.
func New(cfg Config) (*Frontend, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Frontend{cfg: cfg}, nil
}

// HandleTCP admits a single TCP-style connection: it reads the
// preconnection blob under the request timeout, verifies the token it
// carries, and on success hands the bare socket (everything the client
// sent past the blob is still sitting unread on it) to the dispatcher.
// ctx governs the proxy session that follows admission, not admission
// itself; encrypted reports whether conn is already a TLS session, used
// for the credentials-over-cleartext rule.
func (f *Frontend) HandleTCP(ctx context.Context, conn net.Conn, encrypted bool) error {
	deadline := time.Now().Add(f.cfg.RequestTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return gwerrors.New(gwerrors.KindFatal, err)
	}

	result, err := f.admitTCP(conn, encrypted)
	if err != nil {
		f.cfg.Logger.WithError(err).WithField("remote_addr", conn.RemoteAddr()).Debug("tcp admission rejected")
		resetConnection(conn)
		return err
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return gwerrors.New(gwerrors.KindFatal, err)
	}

	return f.dispatch(ctx, result, transport.NewTCPStream(conn))
}

func (f *Frontend) admitTCP(conn net.Conn, encrypted bool) (*tokenverify.Result, error) {
	header := make([]byte, preconnectionHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, gwerrors.New(gwerrors.KindAdmission, err)
	}

	blobLen := binary.BigEndian.Uint32(header[0:4])
	version := binary.BigEndian.Uint16(header[4:6])
	flags := binary.BigEndian.Uint16(header[6:8])
	if version != preconnectionVersion {
		return nil, gwerrors.Newf(gwerrors.KindAdmission, "unsupported preconnection blob version %d", version)
	}
	if flags != 0 {
		return nil, gwerrors.Newf(gwerrors.KindAdmission, "preconnection blob flags must be zero, got %d", flags)
	}
	if blobLen < preconnectionHeaderSize {
		return nil, gwerrors.Newf(gwerrors.KindAdmission, "preconnection blob length %d is shorter than its own header", blobLen)
	}

	token := make([]byte, blobLen-preconnectionHeaderSize)
	if _, err := io.ReadFull(conn, token); err != nil {
		return nil, gwerrors.New(gwerrors.KindAdmission, err)
	}

	return f.validate(string(token), conn.RemoteAddr().String(), encrypted)
}

// ServeWebSocket is an http.HandlerFunc: it extracts the token from the
// Authorization header or the token query parameter, validates it,
// upgrades the connection, and dispatches it. The whole admission step
// (token lookup through upgrade) is bounded by RequestTimeout via a
// per-request I/O deadline.
func (f *Frontend) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	deadline := time.Now().Add(f.cfg.RequestTimeout)
	_ = rc.SetReadDeadline(deadline)
	_ = rc.SetWriteDeadline(deadline)

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		http.Error(w, "missing admission token", http.StatusUnauthorized)
		return
	}

	result, err := f.validate(token, r.RemoteAddr, r.TLS != nil)
	if err != nil {
		f.cfg.Logger.WithError(err).WithField("remote_addr", r.RemoteAddr).Debug("websocket admission rejected")
		http.Error(w, "admission rejected", http.StatusUnauthorized)
		return
	}

	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	wsConn, err := f.cfg.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.cfg.Logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	stream, err := wsconn.New(wsconn.Config{
		WS:                wsConn,
		KeepAliveInterval: f.cfg.KeepAliveInterval,
		Clock:             f.cfg.Clock,
	})
	if err != nil {
		f.cfg.Logger.WithError(err).Error("failed to wrap upgraded websocket connection")
		_ = wsConn.Close()
		return
	}

	if err := f.dispatch(r.Context(), result, stream); err != nil {
		f.cfg.Logger.WithError(err).WithField("content_type", result.ContentType).Debug("dispatched session ended with error")
	}
}

// validate runs the shared token verification plus the two admission
// invariants this core adds on top of it: tokens carrying credentials
// must arrive over an encrypted transport, and a jet_rec=proxy recording
// policy may never accompany JMUX claims (spec section 4.7).
func (f *Frontend) validate(rawToken, sourceAddr string, encrypted bool) (*tokenverify.Result, error) {
	result, err := f.cfg.Verifier.Validate(rawToken, sourceAddr)
	if err != nil {
		return nil, err
	}
	if !encrypted && result.Association != nil && result.Association.Credentials != nil {
		return nil, gwerrors.New(gwerrors.KindAdmission, gwerrors.ErrCredentialsOverUnencrypted)
	}
	if result.Jmux != nil && result.Jmux.RecordingPolicy == claims.RecordingProxy {
		return nil, gwerrors.Newf(gwerrors.KindAdmission, "recording policy %q is incompatible with jmux", claims.RecordingProxy)
	}
	return result, nil
}

func (f *Frontend) dispatch(ctx context.Context, result *tokenverify.Result, client dispatch.Transport) error {
	switch result.ContentType {
	case claims.ContentTypeAssociation:
		return f.cfg.Dispatcher.DispatchAssociation(ctx, result.Association, client)
	case claims.ContentTypeJmux:
		return f.cfg.Dispatcher.DispatchJmux(ctx, result.Jmux, client)
	default:
		return gwerrors.Newf(gwerrors.KindAdmission, "content type %q is not a proxy-mode claim", result.ContentType)
	}
}

// bearerToken extracts the token from a "Bearer <token>" Authorization header.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}

// resetConnection closes conn as abruptly as the transport allows,
// sending a TCP RST rather than a clean FIN, per the "RST for TCP-style"
// admission rejection behavior.
func resetConnection(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = conn.Close()
}
