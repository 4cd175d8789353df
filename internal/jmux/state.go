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

import "github.com/gravitational/trace"

// ChannelState is a node in the per-channel state machine from section
// 4.8. A Mux only ever creates channels already in StateOpen: it is the
// side that replies to Open, so Idle/Opening never appear here — a
// channel that fails to open is never registered in the first place.
type ChannelState int

const (
	StateOpen ChannelState = iota
	StateEofSent
	StateEofReceived
	StateClosing
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateEofSent:
		return "EofSent"
	case StateEofReceived:
		return "EofReceived"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// transition validates and applies one of the three events a channel can
// receive after being opened: a local Eof (this side's read reached
// EOF), a peer Eof, or a peer Close. Any event not valid from the
// current state is a protocol violation per section 4.8: "any unexpected
// message for a channel in the wrong state ... closes the whole pipe."
func (s ChannelState) transition(event channelEvent) (ChannelState, error) {
	switch event {
	case eventLocalEof:
		switch s {
		case StateOpen:
			return StateEofSent, nil
		case StateEofReceived:
			return StateClosing, nil
		}
	case eventPeerEof:
		switch s {
		case StateOpen:
			return StateEofReceived, nil
		case StateEofSent:
			return StateClosing, nil
		}
	case eventPeerClose:
		switch s {
		case StateClosing:
			return StateClosed, nil
		}
	}
	return s, trace.BadParameter("invalid jmux channel event %v in state %v", event, s)
}

type channelEvent int

const (
	eventLocalEof channelEvent = iota
	eventPeerEof
	eventPeerClose
)

func (e channelEvent) String() string {
	switch e {
	case eventLocalEof:
		return "LocalEof"
	case eventPeerEof:
		return "PeerEof"
	case eventPeerClose:
		return "PeerClose"
	default:
		return "Unknown"
	}
}
