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

// Package copier implements the bidirectional byte forwarder shared by
// every proxy mode: two independent per-direction copy loops with
// configurable buffer size, half-close propagation, and byte accounting.
package copier

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Devolutions/devolutions-gateway-core/internal/gwerrors"
	"github.com/Devolutions/devolutions-gateway-core/internal/transport"
)

// DefaultBufferSize is used when Config.BufferSize is zero.
const DefaultBufferSize = 8 * 1024

// HalfCloseWriter is the write half of a transport.Splitter pair: a plain
// io.Writer plus the ability to half-close (signal EOF to the peer).
type HalfCloseWriter = transport.Writer

// Side bundles one direction's split halves with the whole connection they
// came from. Closer is invoked to abort a Read/Write blocked mid-copy: on
// the sibling direction's error, on Run's ctx being cancelled, or both.
type Side struct {
	Reader transport.Reader
	Writer transport.Writer
	Closer io.Closer
}

// Counters exposes the byte totals accumulated by a Run, read safely from
// any goroutine while the copy is in flight or after it completes.
type Counters struct {
	bytesAtoB int64
	bytesBtoA int64
}

// BytesAtoB returns the number of bytes copied from side A to side B.
func (c *Counters) BytesAtoB() int64 { return atomic.LoadInt64(&c.bytesAtoB) }

// BytesBtoA returns the number of bytes copied from side B to side A.
func (c *Counters) BytesBtoA() int64 { return atomic.LoadInt64(&c.bytesBtoA) }

// Config configures a Run.
type Config struct {
	// BufferSize is the per-direction copy buffer; defaults to DefaultBufferSize.
	BufferSize int
}

func (c *Config) checkAndSetDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
}

// Run copies bytes in both directions between a and b until both
// directions have reached EOF, either direction errors, or ctx is
// cancelled. On clean EOF in one direction, the opposite writer is shut
// down (half-closed) so the peer observes EOF while the other direction
// keeps running. On error in either direction, or on ctx cancellation,
// both sides are closed so the sibling direction's blocked Read/Write
// unblocks rather than waiting indefinitely for its own peer to hang up.
// Run blocks until both directions have finished and returns the first
// error encountered, if any.
func Run(ctx context.Context, a, b Side, cfg Config) (*Counters, error) {
	cfg.checkAndSetDefaults()
	counters := &Counters{}

	g, gctx := errgroup.WithContext(ctx)
	aborted := make(chan struct{})
	go func() {
		defer close(aborted)
		<-gctx.Done()
		_ = a.Closer.Close()
		_ = b.Closer.Close()
	}()

	g.Go(func() error {
		n, err := copyDirection(b.Writer, a.Reader, cfg.BufferSize)
		atomic.AddInt64(&counters.bytesAtoB, n)
		return err
	})
	g.Go(func() error {
		n, err := copyDirection(a.Writer, b.Reader, cfg.BufferSize)
		atomic.AddInt64(&counters.bytesBtoA, n)
		return err
	})

	err := g.Wait()
	<-aborted
	if err != nil {
		return counters, gwerrors.New(gwerrors.KindTransport, err)
	}
	return counters, nil
}

// copyDirection copies from src to dst until EOF, then shuts dst down so
// the peer on that side observes EOF. It returns the number of bytes
// copied and the first non-EOF error, if any.
func copyDirection(dst transport.Writer, src transport.Reader, bufSize int) (int64, error) {
	buf := make([]byte, bufSize)
	var written int64

	for {
		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, trace.Wrap(writeErr)
			}
			if nw != nr {
				return written, trace.Wrap(io.ErrShortWrite)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if err := dst.Shutdown(); err != nil {
					return written, trace.Wrap(err)
				}
				return written, nil
			}
			return written, trace.Wrap(readErr)
		}
	}
}
