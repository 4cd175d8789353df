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

package jrl_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-core/internal/jrl"
)

func TestEmptyRevokesNothing(t *testing.T) {
	list := jrl.Empty()
	require.False(t, list.IsRevoked("ASSOCIATION", "any-jti"))
}

func TestUpdateThenIsRevokedAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jrl.json")
	store := jrl.NewStore(path)

	docID := uuid.New()
	err := store.Update(jrl.Document{
		ID:       docID,
		IssuedAt: 1000,
		Revoked: map[string][]string{
			"ASSOCIATION": {"revoked-jti"},
		},
	})
	require.NoError(t, err)

	require.True(t, store.Current().IsRevoked("ASSOCIATION", "revoked-jti"))
	require.False(t, store.Current().IsRevoked("ASSOCIATION", "other-jti"))
	require.False(t, store.Current().IsRevoked("JMUX", "revoked-jti"))
	require.Equal(t, docID, store.Current().ID())

	// No leftover .tmp file after a successful rename.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	// Reloading from disk (a fresh store, as after a process restart)
	// recovers the same revocations.
	reloaded := jrl.NewStore(path)
	require.NoError(t, reloaded.LoadFromDisk())
	require.True(t, reloaded.Current().IsRevoked("ASSOCIATION", "revoked-jti"))
}

func TestLoadFromDiskToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	store := jrl.NewStore(filepath.Join(dir, "does-not-exist.json"))
	require.NoError(t, store.LoadFromDisk())
	require.False(t, store.Current().IsRevoked("ASSOCIATION", "anything"))
}
