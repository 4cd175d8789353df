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

package wsconn_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-core/internal/wsconn"
)

// serverPair starts an httptest server that upgrades the single request it
// receives and hands the resulting *websocket.Conn to build, returning the
// raw client-side *websocket.Conn to drive the other end.
func serverPair(t *testing.T, build func(*websocket.Conn) *wsconn.Conn) (*wsconn.Conn, *websocket.Conn) {
	t.Helper()
	var upgrader websocket.Upgrader
	connCh := make(chan *wsconn.Conn, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- build(ws)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	var srv *wsconn.Conn
	select {
	case srv = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never upgraded the connection")
	}
	return srv, client
}

func TestConnReadConcatenatesFramesInArrivalOrder(t *testing.T) {
	var conn *wsconn.Conn
	server, client := serverPair(t, func(ws *websocket.Conn) *wsconn.Conn {
		c, err := wsconn.New(wsconn.Config{WS: ws})
		require.NoError(t, err)
		conn = c
		return c
	})
	_ = server

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("hello ")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("world")))

	buf := make([]byte, 11)
	n, err := conn.Read(buf[:6])
	require.NoError(t, err)
	require.Equal(t, "hello ", string(buf[:n]))

	n, err = conn.Read(buf[6:])
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[6:6+n]))
}

func TestConnWriteEmitsOneBinaryFramePerCall(t *testing.T) {
	var conn *wsconn.Conn
	_, client := serverPair(t, func(ws *websocket.Conn) *wsconn.Conn {
		c, err := wsconn.New(wsconn.Config{WS: ws})
		require.NoError(t, err)
		conn = c
		return c
	})

	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, "ping", string(data))
}

// TestShutdownSendsNormalClosureAfterFlushingWrites proves the §4.6
// ordering guarantee: a Write submitted before Shutdown is observed by the
// peer before the Close frame that follows it, since both share the same
// FIFO write path serialized by writeMu.
func TestShutdownSendsNormalClosureAfterFlushingWrites(t *testing.T) {
	var conn *wsconn.Conn
	_, client := serverPair(t, func(ws *websocket.Conn) *wsconn.Conn {
		c, err := wsconn.New(wsconn.Config{WS: ws})
		require.NoError(t, err)
		conn = c
		return c
	})

	_, err := conn.Write([]byte("last message"))
	require.NoError(t, err)
	require.NoError(t, conn.Shutdown())

	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, "last message", string(data))

	_, _, err = client.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestShutdownWithErrorSendsInternalServerErrCode(t *testing.T) {
	var conn *wsconn.Conn
	_, client := serverPair(t, func(ws *websocket.Conn) *wsconn.Conn {
		c, err := wsconn.New(wsconn.Config{WS: ws})
		require.NoError(t, err)
		conn = c
		return c
	})

	require.NoError(t, conn.ShutdownWithError("target unreachable"))

	_, _, err := client.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))
}

func TestKeepAlivePingsThePeerOnTheConfiguredInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pingCh := make(chan struct{}, 4)

	_, client := serverPair(t, func(ws *websocket.Conn) *wsconn.Conn {
		c, err := wsconn.New(wsconn.Config{WS: ws, KeepAliveInterval: time.Second, Clock: clock})
		require.NoError(t, err)
		return c
	})
	client.SetPingHandler(func(string) error {
		select {
		case pingCh <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		select {
		case <-pingCh:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "no keep-alive ping observed")
}
