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

// idAllocator hands out channel ids monotonically on first use, then
// recycles ids freed by fully-closed channels ahead of allocating new
// ones, per section 4.8's "per-side free-list" requirement. Not safe
// for concurrent use; callers serialize access (the Mux holds a lock).
type idAllocator struct {
	next uint32
	free []uint32
}

func (a *idAllocator) alloc() uint32 {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	id := a.next
	a.next++
	return id
}

func (a *idAllocator) release(id uint32) {
	a.free = append(a.free, id)
}
