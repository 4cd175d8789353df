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

// Package wsconn adapts a gorilla/websocket connection to the transport.Stream
// contract: message-oriented frames become a byte stream, Ping/Pong are
// handled transparently, and Close surfaces as EOF. A sentinel goroutine
// sends keep-alive pings; Shutdown writes the final Close frame itself.
package wsconn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/Devolutions/devolutions-gateway-core/internal/transport"
)

// Config configures a Conn.
type Config struct {
	// WS is the underlying websocket connection.
	WS *websocket.Conn
	// KeepAliveInterval is how often a Ping is sent; zero disables keep-alive.
	KeepAliveInterval time.Duration
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

func (c *Config) checkAndSetDefaults() error {
	if c.WS == nil {
		return trace.BadParameter("missing parameter WS")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Conn wraps a *websocket.Conn and exposes it as a byte-oriented duplex
// stream. Inbound Text and Binary frames are concatenated, in order, into
// the Read stream; every Write is emitted as a Binary frame.
type Conn struct {
	cfg Config
	log *log.Entry

	in        chan []byte
	current   []byte
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	readErr error
	readErrMu sync.Mutex
}

// New wraps cfg.WS as a Conn and starts its read pump and keep-alive
// sentinel goroutines.
func New(cfg Config) (*Conn, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Conn{
		cfg:  cfg,
		log:  log.WithField("component", "wsconn"),
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
	c.cfg.WS.SetPingHandler(func(appData string) error {
		return c.cfg.WS.WriteControl(websocket.PongMessage, []byte(appData), c.cfg.Clock.Now().Add(5*time.Second))
	})
	go c.readPump()
	if cfg.KeepAliveInterval > 0 {
		go c.keepAlive()
	}
	return c, nil
}

func (c *Conn) readPump() {
	defer c.closeOnce.Do(func() { close(c.done) })
	for {
		msgType, data, err := c.cfg.WS.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) && err != io.EOF {
				c.log.WithError(err).Debug("websocket read failed")
			}
			c.readErrMu.Lock()
			if err != io.EOF {
				c.readErr = err
			}
			c.readErrMu.Unlock()
			return
		}
		switch msgType {
		case websocket.BinaryMessage, websocket.TextMessage:
			select {
			case c.in <- data:
			case <-c.done:
				return
			}
		case websocket.CloseMessage:
			return
		}
	}
}

func (c *Conn) keepAlive() {
	ticker := c.cfg.Clock.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			deadline := time.Now().Add(c.cfg.KeepAliveInterval / 2)
			c.writeMu.Lock()
			err := c.cfg.WS.WriteControl(websocket.PingMessage, nil, deadline)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Read implements io.Reader, draining concatenated Binary/Text frame
// payloads in arrival order.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.current) == 0 {
		select {
		case c.current = <-c.in:
		case <-c.done:
			c.readErrMu.Lock()
			err := c.readErr
			c.readErrMu.Unlock()
			if err != nil {
				return 0, trace.Wrap(err)
			}
			return 0, io.EOF
		}
	}
	n := copy(p, c.current)
	c.current = c.current[n:]
	return n, nil
}

// Write implements io.Writer, emitting p as a single Binary frame.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.cfg.WS.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, trace.Wrap(err)
	}
	return len(p), nil
}

// Shutdown sends a normal-closure Close frame. Any writes submitted before
// this call have already been flushed by the underlying websocket library's
// FIFO write ordering.
func (c *Conn) Shutdown() error {
	return c.closeWithCode(websocket.CloseNormalClosure, "")
}

// ShutdownWithError sends a Close frame carrying CloseInternalServerErr and
// the given reason, for abnormal termination paths.
func (c *Conn) ShutdownWithError(reason string) error {
	return c.closeWithCode(websocket.CloseInternalServerErr, reason)
}

func (c *Conn) closeWithCode(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := c.cfg.Clock.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	return trace.Wrap(c.cfg.WS.WriteControl(websocket.CloseMessage, msg, deadline))
}

// Close tears down the underlying connection immediately.
func (c *Conn) Close() error {
	return trace.Wrap(c.cfg.WS.Close())
}

func (c *Conn) LocalAddr() net.Addr  { return c.cfg.WS.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.cfg.WS.RemoteAddr() }

// Split returns independent read/write halves backed by the same Conn.
func (c *Conn) Split() (transport.Reader, transport.Writer) {
	return wsReader{c}, wsWriter{c}
}

type wsReader struct{ c *Conn }

func (r wsReader) Read(p []byte) (int, error) { return r.c.Read(p) }

type wsWriter struct{ c *Conn }

func (w wsWriter) Write(p []byte) (int, error) { return w.c.Write(p) }
func (w wsWriter) Shutdown() error             { return w.c.Shutdown() }

var (
	_ transport.Stream   = (*Conn)(nil)
	_ transport.Splitter = (*Conn)(nil)
)
