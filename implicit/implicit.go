/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package implicit is a first-fit allocator over a caller-supplied region,
// using a boundary-tag sweep instead of a free list: every block, free or
// allocated, carries an 8-byte header, and placement walks the tile from the
// base address on every call. There is nothing to maintain between calls,
// which makes this variant the simplest of the two, and the slowest once the
// region fills up with small blocks.
//
// A Heap is not safe for concurrent use; callers that need that must
// serialize access themselves (see the package doc of explicit for the same
// note, which applies identically here).
package implicit

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/arenaheap/arenaheap/hash/arenafp"
	"github.com/arenaheap/arenaheap/heap"
	"github.com/arenaheap/arenaheap/internal/unsafeconv"
)

// headerSize is the width of the boundary tag placed before every block:
// one machine word holding the payload size in its upper bits and the
// allocated flag in bit 0. Payload sizes are always multiples of 8, so bit 0
// is free for the allocator to use.
const headerSize = 8

// minSplitRemainder is the smallest remainder worth carving into its own
// free block: a header plus the 8-byte minimum payload.
const minSplitRemainder = headerSize + 8

// Heap is a region-backed first-fit allocator. The zero value is not usable;
// construct one with New.
type Heap struct {
	arena          []byte
	base           unsafe.Pointer
	length         int
	used           int
	maxRequestSize int
}

// Option configures a Heap at construction time.
type Option func(*Heap)

// WithMaxRequestSize overrides the default ceiling on a single rounded
// request (the region's full payload capacity). Hosts with a smaller
// policy limit, or needing to reserve headroom, can tighten it here.
func WithMaxRequestSize(n int) Option {
	return func(h *Heap) { h.maxRequestSize = n }
}

// New initializes a heap over arena, writing a single free block spanning
// the whole region. arena's length must be a positive multiple of
// heap.Align; the allocator borrows the slice for its own lifetime and the
// caller must not touch its bytes directly afterward.
func New(arena []byte, opts ...Option) (*Heap, error) {
	if len(arena) == 0 {
		return nil, heap.ErrNilRegion
	}
	if len(arena) < headerSize {
		return nil, heap.ErrRegionTooSmall
	}
	if len(arena)%heap.Align != 0 {
		return nil, heap.ErrRegionMisaligned
	}

	h := &Heap{
		arena:          arena,
		base:           unsafe.Pointer(&arena[0]),
		length:         len(arena),
		maxRequestSize: len(arena) - headerSize,
	}
	for _, opt := range opts {
		opt(h)
	}

	writeHeader(h.base, len(arena)-headerSize, false)
	return h, nil
}

// Stats reports the current usage accounting.
func (h *Heap) Stats() heap.Stats {
	return heap.Stats{Length: h.length, Used: h.used, Free: h.length - h.used}
}

// Alloc returns a byte slice of at least size bytes, or nil if size is zero,
// exceeds the configured max request size, would exceed the region's
// remaining capacity, or no free block large enough exists.
func (h *Heap) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	rr := heap.RoundUp8(size)
	if rr > h.maxRequestSize || rr+h.used > h.length {
		return nil
	}

	offset, payload, ok := h.findFit(rr)
	if !ok {
		return nil
	}

	blockPayload := h.place(offset, payload, rr)
	ptr := unsafe.Add(h.base, offset+headerSize)
	return unsafe.Slice((*byte)(ptr), blockPayload)[:size]
}

// Free releases a slice previously returned by Alloc or Realloc. Freeing a
// nil or empty slice is a no-op. Passing anything else is undefined
// behavior; the allocator panics rather than silently corrupting the region
// when it can detect the misuse: a data pointer outside the region, or a
// header whose allocated flag is already clear.
func (h *Heap) Free(block []byte) {
	if len(block) == 0 {
		return
	}
	offset := h.blockOffset(block)
	hdr := unsafe.Add(h.base, offset)
	payload, allocated := readHeader(hdr)
	if !allocated {
		panic("implicit: double free")
	}
	writeHeader(hdr, payload, false)
	h.used -= headerSize + payload
}

// Realloc resizes a previously allocated block. old may be nil, in which
// case Realloc behaves like Alloc(newSize). Passing newSize == 0 with a
// non-nil old frees old and returns it unchanged, a documented quirk
// inherited from the reference implementation (see DESIGN.md); the
// returned slice must not be dereferenced afterward. When the existing
// payload already satisfies the rounded request, Realloc returns a
// newSize-byte slice over old's own block (same data pointer).
func (h *Heap) Realloc(old []byte, newSize int) []byte {
	if newSize == 0 && len(old) != 0 {
		h.Free(old)
		return old
	}

	rr := heap.RoundUp8(newSize)
	if rr > h.maxRequestSize || rr+h.used > h.length {
		return nil
	}
	if len(old) == 0 {
		return h.Alloc(newSize)
	}

	oldOffset := h.blockOffset(old)
	oldHdr := unsafe.Add(h.base, oldOffset)
	oldPayload, _ := readHeader(oldHdr)

	// The reference compares the old payload against the raw (unrounded)
	// new_size here; we compare the rounded request instead, matching
	// the comparison Alloc uses everywhere else. See DESIGN.md.
	if oldPayload >= rr {
		return unsafe.Slice((*byte)(unsafe.Add(oldHdr, headerSize)), oldPayload)[:newSize]
	}

	offset, payload, ok := h.findFit(rr)
	if !ok {
		return nil
	}
	blockPayload := h.place(offset, payload, rr)
	ptr := unsafe.Add(h.base, offset+headerSize)
	dst := unsafe.Slice((*byte)(ptr), blockPayload)

	n := oldPayload
	if rr < n {
		n = rr
	}
	copy(dst[:n], old[:n])
	h.Free(old)
	return dst[:newSize]
}

// Validate sweeps the region and cross-checks the aggregate accounting
// against the live used counter. It returns false on any invariant
// violation; it never mutates state.
func (h *Heap) Validate() bool {
	if h.used > h.length {
		return false
	}

	offset := 0
	usedSum, freeSum := 0, 0
	for offset < h.length {
		if offset+headerSize > h.length {
			return false
		}
		payload, allocated := readHeader(unsafe.Add(h.base, offset))
		if allocated {
			usedSum += headerSize + payload
		} else {
			freeSum += headerSize + payload
		}
		offset += headerSize + payload
	}
	if offset != h.length {
		return false
	}
	if usedSum+freeSum != h.length {
		return false
	}
	return usedSum == h.used
}

// Dump writes a human-readable block-by-block trace of the region to w,
// along with an arena fingerprint so two dumps can be diffed without
// printing every byte. It has no effect on allocator state.
//
// Unlike the reference dump_heap, which advances by the raw header word and
// so drifts by one byte at every allocated block, this masks the allocated
// bit before stepping; see DESIGN.md.
func (h *Heap) Dump(w io.Writer) {
	fmt.Fprintf(w, "implicit heap: %d bytes, %d used, fingerprint=%016x\n",
		h.length, h.used, arenafp.Of(h.arena))

	offset := 0
	for offset < h.length {
		payload, allocated := readHeader(unsafe.Add(h.base, offset))
		state := "free"
		if allocated {
			state = "used"
		}
		fmt.Fprintf(w, "  block @%-8d header=%-8d payload=%-8d %s%s\n",
			offset, offset+headerSize, payload, state, previewOf(h.arena, offset+headerSize, payload, allocated))
		offset += headerSize + payload
	}
}

// previewOf renders the leading bytes of an allocated block's payload as a
// quoted string for Dump, without copying the backing bytes. Free blocks
// have no meaningful payload content, so they get no preview.
func previewOf(arena []byte, payloadOffset, payload int, allocated bool) string {
	if !allocated || payload == 0 {
		return ""
	}
	n := payload
	const maxPreview = 16
	if n > maxPreview {
		n = maxPreview
	}
	s := unsafeconv.ByteSliceToString(arena[payloadOffset : payloadOffset+n])
	return fmt.Sprintf(" %q", s)
}

// findFit scans the region in address order for the first free block whose
// payload satisfies rr (first-fit).
func (h *Heap) findFit(rr int) (offset, payload int, ok bool) {
	off := 0
	for off < h.length {
		p, allocated := readHeader(unsafe.Add(h.base, off))
		if !allocated && p >= rr {
			return off, p, true
		}
		off += headerSize + p
	}
	return 0, 0, false
}

// place marks the block at offset (whose free payload is payload) as
// allocated for a request of rr bytes, splitting off a trailing free block
// when the remainder can hold one. It returns the payload size of the
// allocated block (rr when split, payload otherwise) and updates h.used.
func (h *Heap) place(offset, payload, rr int) (blockPayload int) {
	ptr := unsafe.Add(h.base, offset)
	if payload-rr >= minSplitRemainder {
		remainderOffset := offset + headerSize + rr
		remainderPayload := payload - rr - headerSize
		writeHeader(unsafe.Add(h.base, remainderOffset), remainderPayload, false)
		writeHeader(ptr, rr, true)
		h.used += headerSize + rr
		return rr
	}
	writeHeader(ptr, payload, true)
	h.used += headerSize + payload
	return payload
}

// blockOffset recovers the byte offset of the header belonging to a payload
// slice previously handed out by this heap. It panics if the slice's data
// pointer does not land inside the region; it does not check that the
// offset is the start of a block header.
func (h *Heap) blockOffset(block []byte) int {
	dataPtr := unsafe.Pointer(&block[0])
	offset := int(uintptr(dataPtr)-uintptr(h.base)) - headerSize
	if offset < 0 || offset >= h.length {
		panic("implicit: block not in region")
	}
	return offset
}

func readHeader(ptr unsafe.Pointer) (payload int, allocated bool) {
	w := *(*uint64)(ptr)
	return int(w &^ 1), w&1 != 0
}

func writeHeader(ptr unsafe.Pointer, payload int, allocated bool) {
	w := uint64(payload)
	if allocated {
		w |= 1
	}
	*(*uint64)(ptr) = w
}
