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

package creds_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-core/internal/creds"
)

func TestPairReturnsTheCredentialItWasBuiltWith(t *testing.T) {
	p := creds.NewPair("alice", "hunter2")
	require.Equal(t, "alice", p.Username())
	require.Equal(t, "hunter2", p.Password())
}

func TestPairCloseIsIdempotent(t *testing.T) {
	p := creds.NewPair("alice", "hunter2")
	p.Close()
	require.NotPanics(t, func() { p.Close() })
}

func TestPairPanicsOnUseAfterClose(t *testing.T) {
	p := creds.NewPair("alice", "hunter2")
	p.Close()
	require.Panics(t, func() { p.Username() })
	require.Panics(t, func() { p.Password() })
}
