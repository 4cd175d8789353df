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

// Package session implements the concurrent session registry (C3): the
// single widely-shared mutable structure in the core, tracking every live
// proxy session and publishing lifecycle events to subscribers.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/Devolutions/devolutions-gateway-core/internal/claims"
)

// Details distinguishes what a session is proxying towards.
type Details struct {
	// Fwd is set when the session is a forward; Destination is the host:port
	// that was actually used (after candidate failover).
	Fwd *ForwardDetails
	// Rdv is set when the session is a rendezvous.
	Rdv *struct{}
}

// ForwardDetails records the destination a Fwd session proxies to.
type ForwardDetails struct {
	Destination string
}

// Info is the immutable data recorded for a session at admission time.
type Info struct {
	ID                  uuid.UUID
	ApplicationProtocol claims.ApplicationProtocol
	Details             Details
	RecordingPolicy     claims.RecordingPolicy
	TimeToLive          time.Duration
	StartTime           time.Time
}

// KillNotifier is a one-shot trigger the registry holds the sending half
// of; the owning proxy loop holds only the receiving half and must observe
// a close within a small bounded time.
type KillNotifier struct {
	ch   chan struct{}
	once sync.Once
}

// NewKillNotifier builds a fresh, unfired notifier.
func NewKillNotifier() *KillNotifier {
	return &KillNotifier{ch: make(chan struct{})}
}

// C returns the channel that closes when the notifier fires.
func (k *KillNotifier) C() <-chan struct{} { return k.ch }

// Fire closes the channel exactly once. Safe to call multiple times.
func (k *KillNotifier) Fire() {
	k.once.Do(func() { close(k.ch) })
}

// EventKind distinguishes the two lifecycle events a session publishes.
type EventKind int

const (
	EventStarted EventKind = iota
	EventTerminated
)

// Event is published once per transition, per session, over the
// registry's subscriber channel.
type Event struct {
	Kind      EventKind
	SessionID uuid.UUID
	At        time.Time
}

// Handle is what callers hold for a live session: read-only Info plus the
// atomic byte counters the dispatcher updates, so external collaborators
// (telemetry, heartbeat) can poll usage without going through the audit
// pipeline.
type Handle struct {
	Info Info

	infoMu sync.Mutex

	bytesTx int64
	bytesRx int64

	kill *KillNotifier
}

// AddBytesTx/AddBytesRx are called by the dispatcher with the totals of a
// finished copy or JMUX channel.
func (h *Handle) AddBytesTx(n int64) { atomic.AddInt64(&h.bytesTx, n) }
func (h *Handle) AddBytesRx(n int64) { atomic.AddInt64(&h.bytesRx, n) }

// BytesTx/BytesRx report the current totals.
func (h *Handle) BytesTx() int64 { return atomic.LoadInt64(&h.bytesTx) }
func (h *Handle) BytesRx() int64 { return atomic.LoadInt64(&h.bytesRx) }

// SetForwardDestination records which candidate host a Fwd session ended
// up using, per spec section 4.7 ("On success, record which host was
// used in the session info."). A no-op on a session whose Details isn't Fwd.
func (h *Handle) SetForwardDestination(destination string) {
	h.infoMu.Lock()
	defer h.infoMu.Unlock()
	if h.Info.Details.Fwd == nil {
		return
	}
	h.Info.Details.Fwd.Destination = destination
}

// ForwardDestination reads back the currently recorded destination, safe
// to call concurrently with SetForwardDestination.
func (h *Handle) ForwardDestination() string {
	h.infoMu.Lock()
	defer h.infoMu.Unlock()
	if h.Info.Details.Fwd == nil {
		return ""
	}
	return h.Info.Details.Fwd.Destination
}

// Kill exposes the receiving half of the session's kill notifier.
func (h *Handle) Kill() *KillNotifier { return h.kill }

// KillResult is the outcome of a Kill call.
type KillResult int

const (
	KillSuccess KillResult = iota
	KillNotFound
)

// Registry is the concurrent session store. The zero value is not usable;
// construct with New.
type Registry struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Handle

	subscribersMu sync.Mutex
	subscribers   []chan Event
}

// Config configures a Registry.
type Config struct {
	Clock clockwork.Clock
}

func (c *Config) checkAndSetDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// New builds an empty Registry.
func New(cfg Config) *Registry {
	cfg.checkAndSetDefaults()
	return &Registry{
		clock:    cfg.Clock,
		sessions: make(map[uuid.UUID]*Handle),
	}
}

// AddInProgress registers a new session. It fails if a session with the
// same id is already live, enforcing the "at most one live session per id"
// invariant.
func (r *Registry) AddInProgress(info Info, kill *KillNotifier) (*Handle, error) {
	r.mu.Lock()
	if _, exists := r.sessions[info.ID]; exists {
		r.mu.Unlock()
		return nil, trace.AlreadyExists("session %s is already registered", info.ID)
	}
	handle := &Handle{Info: info, kill: kill}
	r.sessions[info.ID] = handle
	r.mu.Unlock()

	r.publish(Event{Kind: EventStarted, SessionID: info.ID, At: r.clock.Now()})
	return handle, nil
}

// Remove unregisters a session, publishing a terminated event. Idempotent:
// removing an id that is not present (or already removed) is a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	_, existed := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if existed {
		r.publish(Event{Kind: EventTerminated, SessionID: id, At: r.clock.Now()})
	}
}

// Kill triggers the session's kill notifier so its owning proxy loop tears
// the connection down. Returns KillNotFound if no such session is live.
func (r *Registry) Kill(id uuid.UUID) KillResult {
	r.mu.RLock()
	handle, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return KillNotFound
	}
	handle.kill.Fire()
	return KillSuccess
}

// Get returns the handle for id, if live.
func (r *Registry) Get(id uuid.UUID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	return h, ok
}

// CountRunning returns the number of currently live sessions.
func (r *Registry) CountRunning() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of every live session's Info.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h.Info)
	}
	return out
}

// Subscribe returns a channel that receives every future lifecycle event.
// The channel is buffered; a slow subscriber does not block publication
// but may miss events once the buffer fills.
func (r *Registry) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	r.subscribersMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subscribersMu.Unlock()
	return ch
}

func (r *Registry) publish(ev Event) {
	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
