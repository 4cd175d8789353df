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

package jmux_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-core/internal/filter"
	"github.com/Devolutions/devolutions-gateway-core/internal/gwerrors"
	"github.com/Devolutions/devolutions-gateway-core/internal/jmux"
)

// startEchoServer accepts one connection and copies everything it reads
// back out, closing once its read side reaches EOF.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	return ln.Addr().String()
}

func TestMuxOpensFiltersDataAndClosesCleanly(t *testing.T) {
	echoAddr := startEchoServer(t)

	rs, err := filter.Compile([]string{"*:0"})
	require.NoError(t, err)

	events := make(chan jmux.TrafficEvent, 4)
	peerConn, muxConn := net.Pipe()
	defer peerConn.Close()

	mux := jmux.New(muxConn, jmux.Config{
		RuleSet:        rs,
		OnTrafficEvent: func(ev jmux.TrafficEvent) { events <- ev },
	})

	runDone := make(chan error, 1)
	go func() { runDone <- mux.Run(context.Background()) }()

	require.NoError(t, jmux.WriteMessage(peerConn, jmux.Open{
		SenderID:       1,
		MaxPacketSize:  1500,
		DestinationURL: "tcp://" + echoAddr,
	}))

	reply, err := jmux.ReadMessage(peerConn)
	require.NoError(t, err)
	success, ok := reply.(jmux.OpenSuccess)
	require.True(t, ok, "expected OpenSuccess, got %T", reply)
	require.Equal(t, uint32(1), success.DistantID)
	muxChannelID := success.SenderID

	require.NoError(t, jmux.WriteMessage(peerConn, jmux.Data{ChannelID: muxChannelID, Bytes: []byte("hello")}))

	echoed, err := jmux.ReadMessage(peerConn)
	require.NoError(t, err)
	data, ok := echoed.(jmux.Data)
	require.True(t, ok, "expected Data, got %T", echoed)
	require.Equal(t, uint32(1), data.ChannelID)
	require.Equal(t, "hello", string(data.Bytes))

	require.NoError(t, jmux.WriteMessage(peerConn, jmux.Eof{ChannelID: muxChannelID}))

	peerEof, err := jmux.ReadMessage(peerConn)
	require.NoError(t, err)
	require.Equal(t, jmux.Eof{ChannelID: 1}, peerEof)

	peerCloseFromMux, err := jmux.ReadMessage(peerConn)
	require.NoError(t, err)
	require.Equal(t, jmux.Close{ChannelID: 1}, peerCloseFromMux)

	require.NoError(t, jmux.WriteMessage(peerConn, jmux.Close{ChannelID: muxChannelID}))

	select {
	case ev := <-events:
		require.Equal(t, jmux.OutcomeNormalTermination, ev.Outcome)
		require.EqualValues(t, 5, ev.BytesTx)
		require.EqualValues(t, 5, ev.BytesRx)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive traffic event")
	}

	peerConn.Close()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("mux.Run did not return after transport closed")
	}
}

// TestMuxRejectsDataExceedingTheGrantedWindow proves that a peer cannot
// out-run its granted window by sending faster than the proactive
// WindowAdjust top-up can credit it: a single Data message larger than
// the full doubled budget (initial window plus the one top-up a
// half-consumed threshold can produce) is still a protocol violation.
func TestMuxRejectsDataExceedingTheGrantedWindow(t *testing.T) {
	echoAddr := startEchoServer(t)

	rs, err := filter.Compile([]string{"*:0"})
	require.NoError(t, err)

	peerConn, muxConn := net.Pipe()
	defer peerConn.Close()

	const initialWindow = 8
	mux := jmux.New(muxConn, jmux.Config{
		RuleSet:           rs,
		InitialWindowSize: initialWindow,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- mux.Run(context.Background()) }()

	require.NoError(t, jmux.WriteMessage(peerConn, jmux.Open{
		SenderID:       1,
		MaxPacketSize:  1500,
		DestinationURL: "tcp://" + echoAddr,
	}))

	reply, err := jmux.ReadMessage(peerConn)
	require.NoError(t, err)
	success, ok := reply.(jmux.OpenSuccess)
	require.True(t, ok, "expected OpenSuccess, got %T", reply)
	require.EqualValues(t, initialWindow, success.InitialWindowSize)
	muxChannelID := success.SenderID

	// Even granting the most generous possible top-up (a full regrant to
	// initialWindow triggered after the first half is consumed), no
	// conforming peer can ever have more than 2*initialWindow of budget
	// outstanding without itself having received a second WindowAdjust.
	// One frame carrying more than that is an overrun no regrant policy
	// can excuse.
	overrun := make([]byte, 2*initialWindow+1)
	require.NoError(t, jmux.WriteMessage(peerConn, jmux.Data{ChannelID: muxChannelID, Bytes: overrun}))

	select {
	case err := <-runDone:
		require.Error(t, err)
		require.True(t, gwerrors.Is(err, gwerrors.KindProtocolViolation))
	case <-time.After(2 * time.Second):
		t.Fatal("mux.Run did not reject the window overrun")
	}
}

func TestMuxRejectsDisallowedDestination(t *testing.T) {
	rs, err := filter.Compile([]string{"allowed.example.com:0"})
	require.NoError(t, err)

	events := make(chan jmux.TrafficEvent, 4)
	peerConn, muxConn := net.Pipe()
	defer peerConn.Close()
	defer muxConn.Close()

	mux := jmux.New(muxConn, jmux.Config{
		RuleSet:        rs,
		OnTrafficEvent: func(ev jmux.TrafficEvent) { events <- ev },
	})
	go mux.Run(context.Background())

	require.NoError(t, jmux.WriteMessage(peerConn, jmux.Open{
		SenderID:       1,
		MaxPacketSize:  1500,
		DestinationURL: "tcp://evil.test:443",
	}))

	reply, err := jmux.ReadMessage(peerConn)
	require.NoError(t, err)
	failure, ok := reply.(jmux.OpenFailure)
	require.True(t, ok, "expected OpenFailure, got %T", reply)
	require.Equal(t, uint32(1), failure.DistantID)

	select {
	case ev := <-events:
		require.Equal(t, jmux.OutcomeConnectFailure, ev.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive traffic event")
	}
}
