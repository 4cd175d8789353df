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

// Package creds holds the username/password pair used to authenticate the
// gateway's leg of a TLS-anchored forward, and makes sure it doesn't
// outlive the connection it was issued for.
package creds

// Pair is a username/password credential whose backing bytes are
// overwritten on Close. Holders must call Close (it is idempotent), typically
// via defer, once the TLS session it authenticates has been established.
type Pair struct {
	username []byte
	password []byte
	closed   bool
}

// NewPair copies username and password into owned buffers.
func NewPair(username, password string) *Pair {
	p := &Pair{
		username: []byte(username),
		password: []byte(password),
	}
	return p
}

// Username returns the credential's username. Panics if called after Close.
func (p *Pair) Username() string {
	p.mustNotBeClosed()
	return string(p.username)
}

// Password returns the credential's password. Panics if called after Close.
func (p *Pair) Password() string {
	p.mustNotBeClosed()
	return string(p.password)
}

func (p *Pair) mustNotBeClosed() {
	if p.closed {
		panic("creds: use of credential pair after Close")
	}
}

// Close zeroizes the backing buffers. Idempotent.
func (p *Pair) Close() {
	if p.closed {
		return
	}
	zero(p.username)
	zero(p.password)
	p.closed = true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
