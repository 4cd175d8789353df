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

package copier_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-core/internal/copier"
	"github.com/Devolutions/devolutions-gateway-core/internal/transport"
)

// loopbackPair returns two connected *net.TCPConn, the only net.Conn flavor
// net.Pipe doesn't provide and the one whose CloseWrite half-close behavior
// copier.Run actually depends on.
func loopbackPair(t *testing.T) (a, b *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		acceptCh <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server := <-acceptCh
	require.NotNil(t, server)

	return client.(*net.TCPConn), server.(*net.TCPConn)
}

func TestRunForwardsBothDirectionsAndHalfCloses(t *testing.T) {
	clientA, serverA := loopbackPair(t)
	defer clientA.Close()
	clientB, serverB := loopbackPair(t)
	defer clientB.Close()

	aStream := transport.NewTCPStream(serverA)
	bStream := transport.NewTCPStream(serverB)
	aReader, aWriter := aStream.Split()
	bReader, bWriter := bStream.Split()

	done := make(chan struct{})
	var counters *copier.Counters
	var runErr error
	go func() {
		counters, runErr = copier.Run(context.Background(),
			copier.Side{Reader: aReader, Writer: aWriter, Closer: aStream},
			copier.Side{Reader: bReader, Writer: bWriter, Closer: bStream},
			copier.Config{})
		close(done)
	}()

	go func() {
		_, _ = clientA.Write([]byte("hello"))
		_ = clientA.CloseWrite()
	}()
	go func() {
		_, _ = clientB.Write([]byte("hi"))
		_ = clientB.CloseWrite()
	}()

	bufB := make([]byte, 5)
	_, err := io.ReadFull(clientB, bufB)
	require.NoError(t, err)
	require.Equal(t, "hello", string(bufB))

	bufA := make([]byte, 2)
	_, err = io.ReadFull(clientA, bufA)
	require.NoError(t, err)
	require.Equal(t, "hi", string(bufA))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("copier.Run did not finish")
	}

	require.NoError(t, runErr)
	require.EqualValues(t, 5, counters.BytesAtoB())
	require.EqualValues(t, 2, counters.BytesBtoA())
}

// TestRunAbortsTheSiblingDirectionOnError proves that an error in one
// direction closes both sides rather than leaving the opposite direction
// parked in a Read that would otherwise only return once its own peer
// independently hangs up.
func TestRunAbortsTheSiblingDirectionOnError(t *testing.T) {
	clientA, serverA := loopbackPair(t)
	defer clientA.Close()
	clientB, serverB := loopbackPair(t)
	defer clientB.Close()

	aStream := transport.NewTCPStream(serverA)
	bStream := transport.NewTCPStream(serverB)
	aReader, aWriter := aStream.Split()
	bReader, bWriter := bStream.Split()

	done := make(chan struct{})
	go func() {
		_, _ = copier.Run(context.Background(),
			copier.Side{Reader: aReader, Writer: aWriter, Closer: aStream},
			copier.Side{Reader: bReader, Writer: bWriter, Closer: bStream},
			copier.Config{})
		close(done)
	}()

	// clientA hangs up hard, which surfaces as a read error (not a clean
	// EOF) on serverA's side; clientB never writes or closes, so without
	// abort-on-error the B<->A direction would block forever.
	require.NoError(t, clientA.SetLinger(0))
	require.NoError(t, clientA.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("copier.Run did not abort the sibling direction after the peer reset")
	}

	_, err := clientB.Write([]byte("x"))
	if err == nil {
		buf := make([]byte, 1)
		clientB.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = clientB.Read(buf)
	}
	require.Error(t, err, "serverB should have been closed once the sibling direction errored")
}

// TestRunClosesBothSidesOnContextCancellation proves that cancelling Run's
// ctx unblocks both directions even when neither peer has sent or closed
// anything, the mechanism internal/dispatch relies on to tear down an
// active session on a kill.
func TestRunClosesBothSidesOnContextCancellation(t *testing.T) {
	clientA, serverA := loopbackPair(t)
	defer clientA.Close()
	clientB, serverB := loopbackPair(t)
	defer clientB.Close()

	aStream := transport.NewTCPStream(serverA)
	bStream := transport.NewTCPStream(serverB)
	aReader, aWriter := aStream.Split()
	bReader, bWriter := bStream.Split()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := copier.Run(ctx,
			copier.Side{Reader: aReader, Writer: aWriter, Closer: aStream},
			copier.Side{Reader: bReader, Writer: bWriter, Closer: bStream},
			copier.Config{})
		done <- err
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("copier.Run did not return after ctx was cancelled")
	}

	clientA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := clientA.Read(make([]byte, 1))
	require.Error(t, err, "serverA should have been closed on ctx cancellation")
}
