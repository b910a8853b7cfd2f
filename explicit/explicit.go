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

// Package explicit is a first-fit allocator over a caller-supplied region
// that threads a doubly-linked free list through the free blocks themselves,
// instead of sweeping the whole tile on every call. Newly freed blocks are
// pushed onto the front of the list (LIFO); a freed block is merged with its
// right neighbor when that neighbor is also free, but never with its left
// neighbor. See DESIGN.md for why this asymmetry is load-bearing rather
// than an oversight.
//
// A Heap is not safe for concurrent use. All public methods run to
// completion without yielding and touch region state only after their
// commit-point checks succeed, so a failed call never leaves the region
// partially updated; callers needing concurrent access must serialize it
// themselves.
package explicit

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/arenaheap/arenaheap/hash/arenafp"
	"github.com/arenaheap/arenaheap/heap"
	"github.com/arenaheap/arenaheap/internal/unsafeconv"
)

// headerSize is the width of a block header: one word of size+flag plus two
// link words (prev, next). The link words are meaningful only while the
// block is free; reading them on an allocated block is undefined.
const headerSize = 24

// minSplitRemainder is the strict threshold a free block's leftover payload
// must clear, after satisfying a request, to be worth carving into its own
// free block. Unlike the implicit variant this is a strict ">": a remainder
// of exactly headerSize+8 is handed out whole.
const minSplitRemainder = headerSize + 8

// nilOffset marks an absent free-list link. Valid block offsets are never
// negative, so -1 is unambiguous.
const nilOffset = -1

// Heap is a region-backed allocator with an explicit doubly-linked free
// list. The zero value is not usable; construct one with New.
type Heap struct {
	arena          []byte
	base           unsafe.Pointer
	length         int
	used           int
	freeBytes      int
	freeHead       int
	maxRequestSize int
}

// Option configures a Heap at construction time.
type Option func(*Heap)

// WithMaxRequestSize overrides the default ceiling on a single rounded
// request (the region's full payload capacity).
func WithMaxRequestSize(n int) Option {
	return func(h *Heap) { h.maxRequestSize = n }
}

// New initializes a heap over arena, writing a single free block spanning
// the whole region. arena's length must be at least one header wide and a
// multiple of heap.Align; the allocator borrows the slice for its own
// lifetime.
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
		freeBytes:      len(arena),
		freeHead:       0,
		maxRequestSize: len(arena) - headerSize,
	}
	for _, opt := range opts {
		opt(h)
	}

	writeFreeHeader(h.base, len(arena)-headerSize, nilOffset, nilOffset)
	return h, nil
}

// Stats reports the current usage accounting.
func (h *Heap) Stats() heap.Stats {
	return heap.Stats{Length: h.length, Used: h.used, Free: h.freeBytes}
}

// Alloc returns a byte slice of at least size bytes, or nil if size is zero,
// exceeds the configured max request size, would exceed the region's
// remaining capacity, or the free list has no block large enough.
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
// nil or empty slice is a no-op. If the block's right neighbor is free, the
// two are merged into one free block that inherits the neighbor's position
// in the free list (it is not moved to the front); otherwise the freed block
// is pushed onto the front of the free list.
func (h *Heap) Free(block []byte) {
	if len(block) == 0 {
		return
	}
	offset := h.blockOffset(block)
	payload, allocated := readSizeFlag(unsafe.Add(h.base, offset))
	if !allocated {
		panic("explicit: double free")
	}

	h.used -= headerSize + payload
	h.freeBytes += headerSize + payload

	rightOffset := offset + headerSize + payload
	if rightOffset < h.length {
		rightPayload, rightAllocated := readSizeFlag(unsafe.Add(h.base, rightOffset))
		if !rightAllocated {
			h.coalesceRight(offset, payload, rightOffset, rightPayload)
			return
		}
	}
	h.pushFront(offset, payload)
}

// Realloc resizes a previously allocated block. old may be nil, in which
// case Realloc behaves like Alloc(newSize). Passing newSize == 0 with a
// non-nil old frees old and returns it unchanged, matching the reference
// implementation's documented quirk (see DESIGN.md).
//
// When the existing payload already satisfies the rounded request, Realloc
// returns a newSize-byte slice over old's own block (same data pointer)
// without zeroing any newly-exposed tail bytes, also matching the reference.
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
	oldPayload, _ := readSizeFlag(unsafe.Add(h.base, oldOffset))
	if rr <= oldPayload {
		ptr := unsafe.Add(h.base, oldOffset+headerSize)
		return unsafe.Slice((*byte)(ptr), oldPayload)[:newSize]
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

// Validate sweeps the region and the free list, cross-checking both against
// the live used/freeBytes counters. It returns false on any invariant
// violation, including a free list that doesn't terminate, visits an
// allocated block, or fails to reach every free-flagged block in the tile,
// and never mutates state.
func (h *Heap) Validate() bool {
	if h.used > h.length {
		return false
	}

	offset := 0
	usedSum, freeSum, freeBlockCount := 0, 0, 0
	for offset < h.length {
		if offset+headerSize > h.length {
			return false
		}
		payload, allocated := readSizeFlag(unsafe.Add(h.base, offset))
		if allocated {
			usedSum += headerSize + payload
		} else {
			freeSum += headerSize + payload
			freeBlockCount++
		}
		offset += headerSize + payload
	}
	if offset != h.length {
		return false
	}
	if usedSum+freeSum != h.length {
		return false
	}
	if usedSum != h.used {
		return false
	}

	visited := make(map[int]bool, freeBlockCount)
	walkedBytes := 0
	off := h.freeHead
	for off != nilOffset {
		if visited[off] {
			return false // cyclic free list: does not terminate
		}
		visited[off] = true
		if off < 0 || off >= h.length {
			return false
		}
		payload, allocated := readSizeFlag(unsafe.Add(h.base, off))
		if allocated {
			return false // allocated block on the free list
		}
		walkedBytes += headerSize + payload
		_, next := readLinks(unsafe.Add(h.base, off))
		off = next
	}
	if walkedBytes != h.freeBytes {
		return false
	}
	// Recommended additional check: no free-flagged block is unreachable
	// from freeHead (a leaked free block).
	return len(visited) == freeBlockCount
}

// Dump writes a human-readable trace of the region's block tile and free
// list to w, plus a fingerprint of the arena. It has no effect on allocator
// state.
//
// Unlike the reference dump_heap, which steps the tile using the raw header
// word (so it drifts into the flag bit at every allocated block), this
// masks the size out before advancing; see DESIGN.md.
func (h *Heap) Dump(w io.Writer) {
	fmt.Fprintf(w, "explicit heap: %d bytes, %d used, %d free, fingerprint=%016x\n",
		h.length, h.used, h.freeBytes, arenafp.Of(h.arena))

	offset := 0
	for offset < h.length {
		payload, allocated := readSizeFlag(unsafe.Add(h.base, offset))
		state := "free"
		if allocated {
			state = "used"
		}
		fmt.Fprintf(w, "  block @%-8d header=%-8d payload=%-8d %s%s\n",
			offset, offset+headerSize, payload, state, previewOf(h.arena, offset+headerSize, payload, allocated))
		offset += headerSize + payload
	}

	fmt.Fprintf(w, "  free list head=%d:", h.freeHead)
	off := h.freeHead
	for off != nilOffset {
		payload, _ := readSizeFlag(unsafe.Add(h.base, off))
		fmt.Fprintf(w, " %d(payload=%d)", off, payload)
		_, next := readLinks(unsafe.Add(h.base, off))
		off = next
	}
	fmt.Fprintln(w)
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

// findFit walks the free list from freeHead looking for the first block
// whose payload satisfies rr.
func (h *Heap) findFit(rr int) (offset, payload int, ok bool) {
	off := h.freeHead
	for off != nilOffset {
		p, _ := readSizeFlag(unsafe.Add(h.base, off))
		if p >= rr {
			return off, p, true
		}
		_, next := readLinks(unsafe.Add(h.base, off))
		off = next
	}
	return 0, 0, false
}

// place marks the free block at offset (payload bytes) as allocated for a
// request of rr bytes, splitting off a trailing free block when the
// remainder strictly exceeds headerSize+8 bytes, and otherwise removing the
// whole block from the free list. It returns the payload size of the
// allocated block and updates h.used/h.freeBytes.
func (h *Heap) place(offset, payload, rr int) (blockPayload int) {
	var usedDelta int
	if payload-rr > minSplitRemainder {
		h.split(offset, payload, rr)
		usedDelta = headerSize + rr
		blockPayload = rr
	} else {
		h.unlink(offset)
		usedDelta = headerSize + payload
		blockPayload = payload
	}
	writeAllocHeader(unsafe.Add(h.base, offset), blockPayload)
	h.used += usedDelta
	h.freeBytes -= usedDelta
	return blockPayload
}

// split carves the free block at offset into an rr-byte prefix and a
// trailing free block, which inherits the original block's position in the
// free list (its prev/next, and the neighbors' backlinks, are rewired to
// point at the new block instead).
func (h *Heap) split(offset, payload, rr int) {
	prev, next := readLinks(unsafe.Add(h.base, offset))
	remainderOffset := offset + headerSize + rr
	remainderPayload := payload - rr - headerSize

	writeFreeHeader(unsafe.Add(h.base, remainderOffset), remainderPayload, prev, next)
	h.relink(prev, next, remainderOffset)
}

// unlink removes the free block at offset from the free list entirely,
// rewiring its neighbors' links around it.
func (h *Heap) unlink(offset int) {
	prev, next := readLinks(unsafe.Add(h.base, offset))
	h.relink(prev, next, nilOffset)
}

// relink points the blocks at prev and next (and freeHead, if prev is nil)
// at replacement, a block that has taken the removed block's list position.
// When replacement is nilOffset the block is simply being removed, and prev
// and next are linked to each other instead.
func (h *Heap) relink(prev, next, replacement int) {
	newPrev, newNext := replacement, replacement
	if replacement == nilOffset {
		newPrev, newNext = prev, next
	}
	if next != nilOffset {
		setPrevLink(unsafe.Add(h.base, next), newPrev)
	}
	if prev != nilOffset {
		setNextLink(unsafe.Add(h.base, prev), newNext)
	} else {
		h.freeHead = newNext
	}
}

// coalesceRight merges the just-freed block at offset with its free right
// neighbor at rightOffset. The combined block inherits the right
// neighbor's free-list position; it is not moved to the front.
func (h *Heap) coalesceRight(offset, payload, rightOffset, rightPayload int) {
	rightPrev, rightNext := readLinks(unsafe.Add(h.base, rightOffset))
	combined := payload + headerSize + rightPayload

	writeFreeHeader(unsafe.Add(h.base, offset), combined, rightPrev, rightNext)
	if rightNext != nilOffset {
		setPrevLink(unsafe.Add(h.base, rightNext), offset)
	}
	if rightPrev != nilOffset {
		setNextLink(unsafe.Add(h.base, rightPrev), offset)
	} else {
		h.freeHead = offset
	}
}

// pushFront inserts the freed block at offset at the head of the free list.
func (h *Heap) pushFront(offset, payload int) {
	oldHead := h.freeHead
	writeFreeHeader(unsafe.Add(h.base, offset), payload, nilOffset, oldHead)
	if oldHead != nilOffset {
		setPrevLink(unsafe.Add(h.base, oldHead), offset)
	}
	h.freeHead = offset
}

// blockOffset recovers the byte offset of the header belonging to a payload
// slice previously handed out by this heap. It panics if the slice's data
// pointer does not land inside the region; it does not check that the
// offset is the start of a block header.
func (h *Heap) blockOffset(block []byte) int {
	dataPtr := unsafe.Pointer(&block[0])
	offset := int(uintptr(dataPtr)-uintptr(h.base)) - headerSize
	if offset < 0 || offset >= h.length {
		panic("explicit: block not in region")
	}
	return offset
}

func readSizeFlag(ptr unsafe.Pointer) (payload int, allocated bool) {
	w := *(*uint64)(ptr)
	return int(w &^ 1), w&1 != 0
}

func readLinks(ptr unsafe.Pointer) (prev, next int) {
	return int(*(*int64)(unsafe.Add(ptr, 8))), int(*(*int64)(unsafe.Add(ptr, 16)))
}

func setPrevLink(ptr unsafe.Pointer, prev int) {
	*(*int64)(unsafe.Add(ptr, 8)) = int64(prev)
}

func setNextLink(ptr unsafe.Pointer, next int) {
	*(*int64)(unsafe.Add(ptr, 16)) = int64(next)
}

func writeFreeHeader(ptr unsafe.Pointer, payload, prev, next int) {
	*(*uint64)(ptr) = uint64(payload)
	setPrevLink(ptr, prev)
	setNextLink(ptr, next)
}

func writeAllocHeader(ptr unsafe.Pointer, payload int) {
	*(*uint64)(ptr) = uint64(payload) | 1
}
