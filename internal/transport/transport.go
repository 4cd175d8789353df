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

// Package transport gives the rest of the core a single, type-erased view
// of a duplex byte stream, whatever it is actually backed by (TCP, TLS, or
// a websocket through wsconn). Once admission has finished, nothing above
// this package branches on transport kind.
package transport

import (
	"io"
	"net"
)

// HalfCloser is the minimal shutdown contract a Stream's writer half must
// support: close the write direction and signal EOF to the peer, without
// necessarily tearing down the read direction.
type HalfCloser interface {
	CloseWrite() error
}

// Stream is the erased duplex bytestream every transport flavor implements.
// It composes the net.Conn surface the copy engine and JMUX need plus an
// explicit Shutdown for half-close semantics.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// Shutdown closes the write half and signals EOF to the peer. Callers
	// invoke it independently per direction; it must be safe to call after
	// the read half has already seen EOF.
	Shutdown() error

	// LocalAddr and RemoteAddr mirror net.Conn, used for audit/logging.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Splitter exposes read/write halves usable concurrently from different
// goroutines without additional locking, the shape the copy engine expects.
type Splitter interface {
	Split() (Reader, Writer)
}

// Reader is the read half of a split Stream.
type Reader interface {
	io.Reader
}

// Writer is the write half of a split Stream; Shutdown half-closes it.
type Writer interface {
	io.Writer
	Shutdown() error
}

// TCPStream wraps a *net.TCPConn (or any net.Conn with a CloseWrite method,
// which covers *net.TCPConn and *tls.Conn) as a Stream.
type TCPStream struct {
	conn net.Conn
}

// NewTCPStream erases conn behind the Stream interface. conn must support
// CloseWrite for Shutdown to half-close cleanly; if it doesn't, Shutdown
// falls back to a full Close.
func NewTCPStream(conn net.Conn) *TCPStream {
	return &TCPStream{conn: conn}
}

// UnderlyingConn returns the raw net.Conn backing this stream, for the rare
// caller (TLS-anchored forward) that must hand it to something expecting a
// real net.Conn rather than the erased Stream contract.
func (s *TCPStream) UnderlyingConn() net.Conn { return s.conn }

func (s *TCPStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *TCPStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *TCPStream) Close() error                { return s.conn.Close() }
func (s *TCPStream) LocalAddr() net.Addr         { return s.conn.LocalAddr() }
func (s *TCPStream) RemoteAddr() net.Addr        { return s.conn.RemoteAddr() }

// Shutdown half-closes the write direction when the underlying conn
// supports it (TCP and TLS both do); otherwise it closes the connection
// outright.
func (s *TCPStream) Shutdown() error {
	if hc, ok := s.conn.(HalfCloser); ok {
		return hc.CloseWrite()
	}
	return s.conn.Close()
}

// Split returns independent read/write halves of the stream. Both halves
// share the same underlying net.Conn, which is safe for concurrent
// Read/Write from different goroutines.
func (s *TCPStream) Split() (Reader, Writer) {
	return tcpReader{s}, tcpWriter{s}
}

type tcpReader struct{ s *TCPStream }

func (r tcpReader) Read(p []byte) (int, error) { return r.s.Read(p) }

type tcpWriter struct{ s *TCPStream }

func (w tcpWriter) Write(p []byte) (int, error) { return w.s.Write(p) }
func (w tcpWriter) Shutdown() error             { return w.s.Shutdown() }

var (
	_ Stream   = (*TCPStream)(nil)
	_ Splitter = (*TCPStream)(nil)
)
