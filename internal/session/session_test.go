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

package session_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-core/internal/session"
)

func TestAddInProgressRejectsDuplicateID(t *testing.T) {
	reg := session.New(session.Config{Clock: clockwork.NewFakeClock()})
	id := uuid.New()

	_, err := reg.AddInProgress(session.Info{ID: id}, session.NewKillNotifier())
	require.NoError(t, err)

	_, err = reg.AddInProgress(session.Info{ID: id}, session.NewKillNotifier())
	require.Error(t, err)
	require.True(t, trace.IsAlreadyExists(err))
}

func TestRemoveIsIdempotentAndPublishesOnce(t *testing.T) {
	reg := session.New(session.Config{Clock: clockwork.NewFakeClock()})
	id := uuid.New()
	events := reg.Subscribe(8)

	_, err := reg.AddInProgress(session.Info{ID: id}, session.NewKillNotifier())
	require.NoError(t, err)

	reg.Remove(id)
	reg.Remove(id) // idempotent, no second terminated event, no panic

	require.Equal(t, session.EventStarted, (<-events).Kind)
	require.Equal(t, session.EventTerminated, (<-events).Kind)

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}

	require.Equal(t, 0, reg.CountRunning())
}

func TestSetForwardDestinationRecordsTheHostUsedAfterFailover(t *testing.T) {
	reg := session.New(session.Config{Clock: clockwork.NewFakeClock()})
	id := uuid.New()

	handle, err := reg.AddInProgress(session.Info{
		ID:      id,
		Details: session.Details{Fwd: &session.ForwardDetails{Destination: "127.0.0.1:1"}},
	}, session.NewKillNotifier())
	require.NoError(t, err)

	handle.SetForwardDestination("127.0.0.1:2222")
	require.Equal(t, "127.0.0.1:2222", handle.ForwardDestination())
}

func TestKillFiresNotifier(t *testing.T) {
	reg := session.New(session.Config{Clock: clockwork.NewFakeClock()})
	id := uuid.New()
	kn := session.NewKillNotifier()

	_, err := reg.AddInProgress(session.Info{ID: id}, kn)
	require.NoError(t, err)

	require.Equal(t, session.KillNotFound, reg.Kill(uuid.New()))
	require.Equal(t, session.KillSuccess, reg.Kill(id))

	select {
	case <-kn.C():
	default:
		t.Fatal("kill notifier did not fire")
	}
}
