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

package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Devolutions/devolutions-gateway-core/internal/gwerrors"
	"github.com/Devolutions/devolutions-gateway-core/internal/session"
)

// rendezvousWaiter is parked in Dispatcher.rdv by the first peer to
// arrive for a given association id, per spec section 4.7: "the first
// to arrive parks its transport in the registry keyed by id; the second
// looks it up, unparks it, and the pair is handed to the copy engine."
type rendezvousWaiter struct {
	transport Transport
	handle    *session.Handle
	matched   chan struct{} // closed by the second arrival once it has claimed this waiter
	done      chan error    // delivers the spliced copy's outcome back to the first arrival
}

// rendezvous implements the Rdv branch of spec section 4.7: two peers
// presenting tokens with the same jet_aid are spliced together by
// whichever of them arrives second; if no second peer arrives within
// ttl (or Config.RendezvousTimeout if ttl is zero), the first is closed
// with a timeout.
func (d *Dispatcher) rendezvous(ctx context.Context, id uuid.UUID, handle *session.Handle, self Transport, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.cfg.RendezvousTimeout
	}

	d.rdvMu.Lock()
	existing, ok := d.rdv[id]
	if !ok {
		// First arrival: park and wait to be matched or time out.
		waiter := &rendezvousWaiter{
			transport: self,
			handle:    handle,
			matched:   make(chan struct{}),
			done:      make(chan error, 1),
		}
		d.rdv[id] = waiter
		d.rdvMu.Unlock()

		timer := d.cfg.Clock.NewTimer(ttl)
		defer timer.Stop()

		select {
		case <-waiter.matched:
			select {
			case err := <-waiter.done:
				return err
			case <-ctx.Done():
				// Killed (or jet_ttl'd) after being matched: the splice is
				// running on the second arrival's goroutine, so close our
				// own transport to unblock whichever direction of it is
				// blocked reading from or writing to self.
				_ = self.Close()
				return <-waiter.done
			}
		case <-timer.Chan():
			d.rdvMu.Lock()
			if d.rdv[id] == waiter {
				delete(d.rdv, id)
			}
			d.rdvMu.Unlock()
			return gwerrors.Newf(gwerrors.KindTimeout, "rendezvous peer for %s did not arrive within %s", id, ttl)
		case <-ctx.Done():
			d.rdvMu.Lock()
			if d.rdv[id] == waiter {
				delete(d.rdv, id)
			}
			d.rdvMu.Unlock()
			return gwerrors.New(gwerrors.KindTimeout, ctx.Err())
		}
	}

	// Second arrival: unpark the first peer and splice the two streams.
	delete(d.rdv, id)
	d.rdvMu.Unlock()
	close(existing.matched)

	err := d.copyBetweenRendezvous(ctx, existing.handle, handle, existing.transport, self)
	existing.done <- err
	return err
}
