// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package fpstore

import "sync"

// handle is an opaque reference into an arena's backing buffer: the
// high 32 bits are the byte offset, the low 32 bits are the length
// (excluding the trailing NUL). A zero handle never resolves to live
// text; it is the value written into a checkpoint's entry records,
// whose text is carried separately (see checkpoint.go).
type handle uint64

func newHandle(off, length uint32) handle {
	return handle(uint64(off)<<32 | uint64(length))
}

func (h handle) offset() uint32 { return uint32(h >> 32) }
func (h handle) length() uint32 { return uint32(h) }

// span is a free region available for first-fit reuse.
type span struct {
	off, length uint32
}

// arena is the sole owner of query-text bytes. It stands in for the
// spec's shared-memory text arena: a single allocator, scoped to one
// Store, from which every shard's entries borrow their query text.
// Allocations are NUL-terminated so the on-disk layout can recover
// length without a separate terminator scan.
type arena struct {
	mu    sync.Mutex
	buf   []byte
	free  []span
}

func newArena() *arena {
	return &arena{}
}

// alloc copies text (NUL-terminated) into the arena and returns a
// handle that resolves back to it via text. It reuses a free span of
// sufficient size (first-fit) before growing the backing buffer.
func (a *arena) alloc(text string) handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := uint32(len(text) + 1)
	for i, s := range a.free {
		// offset 0 with length 0 would encode as the zero handle
		if s.length >= need && (s.off != 0 || len(text) != 0) {
			copy(a.buf[s.off:], text)
			a.buf[s.off+uint32(len(text))] = 0
			a.consumeFree(i, need)
			return newHandle(s.off, uint32(len(text)))
		}
	}

	if len(a.buf) == 0 && len(text) == 0 {
		a.buf = append(a.buf, 0)
	}
	off := uint32(len(a.buf))
	a.buf = append(a.buf, text...)
	a.buf = append(a.buf, 0)
	return newHandle(off, uint32(len(text)))
}

// consumeFree shrinks or removes free span i after need bytes of it
// have been handed out.
func (a *arena) consumeFree(i int, need uint32) {
	s := a.free[i]
	if s.length == need {
		a.free = append(a.free[:i], a.free[i+1:]...)
		return
	}
	a.free[i] = span{off: s.off + need, length: s.length - need}
}

// text resolves h back to its NUL-terminated allocation's string form.
// It returns false if h is zero, reaches past the backing buffer, or
// does not end on a NUL (a dangling handle, which Scan and Flush skip
// as Corruption). Frees are not tracked, so a freed handle whose bytes
// are still intact resolves as before.
func (a *arena) text(h handle) (string, bool) {
	if h == 0 {
		return "", false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	off, length := h.offset(), h.length()
	end := int(off) + int(length)
	if end+1 > len(a.buf) || a.buf[end] != 0 {
		return "", false
	}
	return string(a.buf[off:end]), true
}

// freeHandle releases h's allocation back to the arena for reuse.
// Freeing a zero handle is a no-op. Freed spans are not tracked, so
// freeing the same handle again puts its span on the free list twice.
func (a *arena) freeHandle(h handle) {
	if h == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, span{off: h.offset(), length: h.length() + 1})
}
