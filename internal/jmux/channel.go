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
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// channel is the gateway-side bookkeeping for one JMUX-multiplexed
// logical connection: the dialed target socket, this channel's window
// accounting in both directions, and its state-machine position.
type channel struct {
	localID        uint32
	peerID         uint32
	destinationURL string

	// network/targetHost/targetPort/connectAt describe the dialed target,
	// filled in right after a successful dial; carried through to the
	// TrafficEvent synthesized when the channel closes.
	network    string
	targetHost string
	targetPort uint16
	connectAt  time.Time

	target net.Conn

	mu    sync.Mutex
	state ChannelState

	// sendWindow bounds how many more Data bytes this side may write to
	// the peer before it must wait for a WindowAdjust crediting it more.
	sendWindow     int64
	sendWindowCond *sync.Cond

	// recvGranted is the total bytes of Data this side has told the peer
	// it may send (InitialWindowSize plus every WindowAdjust sent so
	// far); recvConsumed is how much of that has arrived. The gap
	// between them is topped back up periodically.
	recvGranted  int64
	recvConsumed int64
	recvWindow   int64 // the initial window, the size each top-up restores

	bytesTx int64 // Data bytes written out to the peer (target -> peer)
	bytesRx int64 // Data bytes written to target (peer -> target)

	// closed is set by wake() when the channel is torn down, so a writer
	// blocked in reserveSend waiting for window credit that will never
	// arrive gets unparked instead of leaking its goroutine.
	closed atomic.Bool
}

func newChannel(localID, peerID uint32, destinationURL string, target net.Conn, initialWindow uint32) *channel {
	c := &channel{
		localID:        localID,
		peerID:         peerID,
		destinationURL: destinationURL,
		target:         target,
		state:          StateOpen,
		sendWindow:     int64(initialWindow),
		recvGranted:    int64(initialWindow),
		recvWindow:     int64(initialWindow),
	}
	c.sendWindowCond = sync.NewCond(&c.mu)
	return c
}

func (c *channel) addBytesTx(n int) { atomic.AddInt64(&c.bytesTx, int64(n)) }
func (c *channel) addBytesRx(n int) { atomic.AddInt64(&c.bytesRx, int64(n)) }

// BytesTx/BytesRx report final counters, used for the closing traffic event.
func (c *channel) BytesTx() int64 { return atomic.LoadInt64(&c.bytesTx) }
func (c *channel) BytesRx() int64 { return atomic.LoadInt64(&c.bytesRx) }

// creditSend records a WindowAdjust received from the peer, waking any
// writer blocked waiting for budget.
func (c *channel) creditSend(delta uint32) {
	c.mu.Lock()
	c.sendWindow += int64(delta)
	c.sendWindowCond.Broadcast()
	c.mu.Unlock()
}

// reserveSend blocks until at least 1 byte of send window is available,
// then consumes up to want bytes of it (at least 1), returning how much
// was reserved. Returns 0 if the channel is woken for teardown while no
// send window is available.
func (c *channel) reserveSend(want int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.sendWindow <= 0 {
		if c.closed.Load() {
			return 0
		}
		c.sendWindowCond.Wait()
	}
	n := want
	if int64(n) > c.sendWindow {
		n = int(c.sendWindow)
	}
	c.sendWindow -= int64(n)
	return n
}

// wake marks the channel closed and unblocks any writer waiting in
// reserveSend, so removeChannel never leaves pumpFromTarget parked
// forever on window credit that will never arrive.
func (c *channel) wake() {
	c.mu.Lock()
	c.closed.Store(true)
	c.sendWindowCond.Broadcast()
	c.mu.Unlock()
}

// recordReceived consumes n bytes of the granted receive window,
// reporting whether the peer stayed within budget.
func (c *channel) recordReceived(n int) (withinBudget bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvConsumed += int64(n)
	return c.recvConsumed <= c.recvGranted
}

// pendingGrant returns how much additional window to grant the peer now
// (half of the originally granted size has been consumed since the last
// grant), and records the grant. Returns 0 if no top-up is due yet.
func (c *channel) pendingGrant(threshold int64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.recvGranted - c.recvConsumed
	if remaining > threshold {
		return 0
	}
	grant := c.recvWindow - remaining // top back up to the original size
	c.recvGranted += grant
	return uint32(grant)
}

func (c *channel) getState() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *channel) applyEvent(event channelEvent) (ChannelState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := c.state.transition(event)
	if err != nil {
		return c.state, err
	}
	c.state = next
	return next, nil
}
