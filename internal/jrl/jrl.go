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

// Package jrl loads and serves the JWT revocation list: a small JSON
// document naming tokens that must no longer be accepted, as lists of
// jtis grouped by claim kind. The active list is held behind an atomic
// pointer swap so Current never blocks a concurrent Update or
// LoadFromDisk, and updates on disk
// are written to a .tmp file and renamed into place so a reader never
// observes a half-written list.
package jrl

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// document is the on-disk/wire shape of a revocation list.
type document struct {
	ID       uuid.UUID            `json:"jti"`
	IssuedAt int64                `json:"iat"`
	Revoked  map[string][]string  `json:"revoked,omitempty"`
}

// List is an immutable snapshot of a revocation list, safe to share.
type List struct {
	id       uuid.UUID
	issuedAt int64
	revoked  map[string]map[string]struct{}
}

// Empty returns a List that revokes nothing, the starting state before
// any JRL token has ever been applied.
func Empty() *List {
	return &List{revoked: map[string]map[string]struct{}{}}
}

// ID is the jti of the JRL token that produced this list.
func (l *List) ID() uuid.UUID { return l.id }

// IssuedAt is the iat of the JRL token that produced this list.
func (l *List) IssuedAt() int64 { return l.issuedAt }

// IsRevoked reports whether jti is listed under kind. A claim kind is
// never revoked as a whole: only the jtis listed under it are.
func (l *List) IsRevoked(kind, jti string) bool {
	set, ok := l.revoked[kind]
	if !ok {
		return false
	}
	_, revoked := set[jti]
	return revoked
}

func fromDocument(d document) *List {
	revoked := make(map[string]map[string]struct{}, len(d.Revoked))
	for kind, jtis := range d.Revoked {
		set := make(map[string]struct{}, len(jtis))
		for _, jti := range jtis {
			set[jti] = struct{}{}
		}
		revoked[kind] = set
	}
	return &List{id: d.ID, issuedAt: d.IssuedAt, revoked: revoked}
}

// Store holds the currently active List behind an atomic pointer, so
// Current is lock-free and the effects of Update and LoadFromDisk are
// visible atomically.
type Store struct {
	path    string
	current atomic.Pointer[List]
}

// NewStore builds a Store with an Empty starting list. Call LoadFromDisk
// to populate it from path.
func NewStore(path string) *Store {
	s := &Store{path: path}
	s.current.Store(Empty())
	return s
}

// Current returns the active list. Never nil.
func (s *Store) Current() *List {
	return s.current.Load()
}

// LoadFromDisk reads and parses the JRL file at the store's configured
// path, if it exists. A missing file is not an error: it means no JRL
// has been applied yet and the store keeps its Empty list.
func (s *Store) LoadFromDisk() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	var d document
	if err := json.Unmarshal(raw, &d); err != nil {
		return trace.Wrap(err)
	}
	s.current.Store(fromDocument(d))
	return nil
}

// Update replaces the active list with doc's contents, persisting the
// new document to disk by writing a .tmp sibling file and renaming it
// into place, so a crash mid-write never leaves a partial JRL file.
func (s *Store) Update(doc Document) error {
	d := document{ID: doc.ID, IssuedAt: doc.IssuedAt, Revoked: doc.Revoked}

	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return trace.Wrap(err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return trace.Wrap(err)
	}

	s.current.Store(fromDocument(d))
	return nil
}

// Document is the caller-facing shape of an incoming JRL update, e.g.
// decoded from a JRL-content-typed admission token's claims.
type Document struct {
	ID       uuid.UUID
	IssuedAt int64
	Revoked  map[string][]string
}

// Path returns the configured on-disk path, mainly for logging.
func (s *Store) Path() string {
	return filepath.Clean(s.path)
}
